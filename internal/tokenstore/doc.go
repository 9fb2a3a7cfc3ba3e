// Package tokenstore persists OAuth token material securely and validates
// presented tokens against it.
//
// Raw tokens never reach the persisted record. Access and refresh tokens
// are stored as slow, salted one-way hashes (bcrypt over a sha256
// pre-digest); a small metadata blob and the refresh token itself are
// sealed with AES-256-GCM so the refresh grant can still be driven from
// storage. One record exists per user, with upsert semantics.
//
// The package has three layers: Store is the repository interface with
// in-memory and Postgres implementations, Cipher/TokenHasher provide the
// cryptography, and Vault composes them into the operations the rest of
// the trust layer calls.
package tokenstore
