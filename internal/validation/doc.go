// Package validation orchestrates the multi-step token validation
// pipeline: hash validation against the stored record, an optional inline
// refresh for expired tokens, scope checking, and conditional external
// introspection.
//
// Introspection is fail-open: a network failure talking to the
// authorization server is treated as "assume active" so a flaky
// collaborator cannot fail every request, while an explicit inactive
// answer is a hard failure.
package validation
