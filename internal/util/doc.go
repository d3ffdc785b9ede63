// Package util provides error types and validation helpers shared by the
// pool daemon packages.
//
// # Error Conventions
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ValidationError, CapacityExceededError).
//     Each type implements Error() and Is(), plus Unwrap() if it wraps.
//   - fmt.Errorf with %w for ad-hoc wrapping.
//
// Callers map these onto transport status codes:
//
//	switch {
//	case errors.Is(err, util.ErrNotFound):
//		// 404
//	case errors.Is(err, util.ErrInvalidInput):
//		// 400
//	}
//
// # Validation
//
// Server address checks accept host:port or an http(s) URL:
//
//	err := util.ValidateAddress("api-1.internal:8080")
package util
