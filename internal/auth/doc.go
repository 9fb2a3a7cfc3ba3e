// Package auth defines the shared vocabulary of the trust layer: error
// codes, token material types, the OAuth context attached to validated
// requests, and the structured results returned by steady-state operations.
//
// The package is a leaf. Every other trust-layer package imports it, so it
// must not import anything outside the standard library.
package auth
