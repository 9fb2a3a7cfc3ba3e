// Package lifecycle owns the token refresh state machine: per-user
// exponential backoff, the at-most-one-refresh-per-user invariant, and the
// periodic timers that clean up expired records and scan for tokens due
// for proactive refresh.
//
// Concurrent refresh requests for the same user are coalesced; the caller
// that arrives second shares the first caller's outcome instead of issuing
// a second network call. A user that exhausts the retry cap is marked as
// requiring re-authentication and their backoff ledger entry is cleared.
package lifecycle
