// Package cmd implements the command-line interface for guardpost.
//
// This package provides the following commands:
//   - serve: Start the trust daemon (MCP server with token validation)
//   - cleanup: Remove expired token records from the store
//   - keygen: Generate an encryption key for token storage
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
package cmd
