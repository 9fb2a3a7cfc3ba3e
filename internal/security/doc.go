// Package security is the facade over the token trust layer. It owns the
// wiring between the token vault, the refresh lifecycle, the validation
// pipeline, the session registry and the background processor, and
// exposes the operations the transport layer calls.
//
// Initialization order matters: observers are wired first, then the
// session sweep and the background processor start, then an initial
// health check verifies the store and the authorization server are
// reachable. Shutdown reverses the order so no background task runs
// against a stopping lifecycle manager.
//
// The background processor is the single scheduler for periodic
// maintenance; the facade registers cleanup, refresh-scan, health-check
// and audit tasks on it rather than running per-component timers.
package security
