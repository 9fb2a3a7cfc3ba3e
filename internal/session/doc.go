// Package session tracks authenticated user sessions and their live
// transport connections.
//
// A session is the in-memory projection of a user's persisted token
// record: its state moves between authenticated, expired, refresh_failed
// and invalid as validations and refreshes succeed or fail. Connections
// are individual transport attachments (one MCP stream each) registered
// against a user; invalidating a session closes all of them.
//
// RecoverSession restores a session after a restart or an expiry: when
// the presented token has expired it drives one refresh through the
// lifecycle manager and re-validates with the rotated token, so a caller
// never gets a stale session back.
package session
