// Package oauth talks to the OAuth authorization server on behalf of the
// trust layer. It exposes exactly the two capabilities the core needs:
// exchanging a refresh token for a new token set, and introspecting an
// access token (RFC 7662).
//
// Both calls are fallible, latency-bearing network operations. Callers are
// expected to treat errors from this package as NETWORK_ERROR-class
// failures and apply their own retry/backoff policy; the client itself
// never retries.
package oauth
