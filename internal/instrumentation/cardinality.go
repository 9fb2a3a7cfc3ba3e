package instrumentation

import "github.com/guardpost/guardpost/internal/auth"

// Cardinality management helpers for metrics.
// These functions reduce high-cardinality label values to prevent metrics explosion.
//
// # Warning
//
// High cardinality in metrics can cause:
// - Increased memory usage in Prometheus/metrics backends
// - Slower query performance
// - Higher storage costs
//
// Always use these helpers when recording metrics from error values.

// knownErrorCodes is the closed set of codes allowed as metric labels.
var knownErrorCodes = map[auth.ErrorCode]bool{
	auth.CodeSessionNotFound:    true,
	auth.CodeSessionExpired:     true,
	auth.CodeSessionInvalid:     true,
	auth.CodeTokenExpired:       true,
	auth.CodeTokenInvalid:       true,
	auth.CodeTokenInactive:      true,
	auth.CodeInsufficientScope:  true,
	auth.CodeRefreshFailed:      true,
	auth.CodeDatabaseError:      true,
	auth.CodeNetworkError:       true,
	auth.CodeRateLimited:        true,
	auth.CodeConfigurationError: true,
	auth.CodeValidationError:    true,
}

// NormalizeErrorCode maps an error code onto the closed label set. Unknown
// codes collapse to "other" so a new code cannot create a new time series
// without being added here.
//
// Example:
//
//	NormalizeErrorCode(auth.CodeTokenExpired)  // "TOKEN_EXPIRED"
//	NormalizeErrorCode("SOMETHING_NEW")        // "other"
//	NormalizeErrorCode("")                     // ""
func NormalizeErrorCode(code auth.ErrorCode) string {
	if code == "" {
		return ""
	}
	if knownErrorCodes[code] {
		return string(code)
	}
	return "other"
}

// ResultFromError returns the status label for an error value.
func ResultFromError(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// Known transport label values.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
	TransportStdio          = "stdio"
)

// NormalizeTransport collapses unknown transports to "other".
func NormalizeTransport(transport string) string {
	switch transport {
	case TransportStreamableHTTP, TransportSSE, TransportStdio:
		return transport
	}
	return "other"
}
