// Package logging provides structured logging utilities for guardpost.
//
// This package centralizes logging patterns to ensure consistent, structured
// logging throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Structured logging with slog
//   - PII sanitization (user ID anonymization)
//   - Consistent attribute naming across the codebase
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithComponent(slog.Default(), "lifecycle")
//	logger.Info("refresh completed",
//	    logging.Status(logging.StatusSuccess))
//
// Sanitize sensitive data before logging:
//
//	logger.Info("tokens stored",
//	    logging.UserHash(userID))
//
// # Security Considerations
//
// This package is designed with security in mind:
//   - User IDs are hashed to prevent PII leakage while allowing correlation
//   - Tokens are never logged directly
package logging
