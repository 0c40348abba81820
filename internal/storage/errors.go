// Error types and classification for Local Store operations, mirroring the
// teacher's storage/errors.go: typed errors instead of ad hoc strings, plus
// a classifier feeding the Prometheus error-type label.
package storage

import "fmt"

// ErrInvalidBackend indicates an unknown storage.Backend* value in config.
type ErrInvalidBackend struct {
	Backend string
}

func (e *ErrInvalidBackend) Error() string {
	return fmt.Sprintf("invalid local store backend: %q (must be sqlite, postgres, or flatfile)", e.Backend)
}

// ErrStorageInitFailed indicates backend construction or schema-init failure.
type ErrStorageInitFailed struct {
	Backend string
	Cause   error
}

func (e *ErrStorageInitFailed) Error() string {
	return fmt.Sprintf("local store init failed (backend=%s): %v", e.Backend, e.Cause)
}

func (e *ErrStorageInitFailed) Unwrap() error { return e.Cause }

// ErrEntityNotFound indicates GetEntity found no mirror row for the AppPK.
type ErrEntityNotFound struct {
	EntityName string
	AppPK      string
}

func (e *ErrEntityNotFound) Error() string {
	return fmt.Sprintf("mirror row not found: entity=%s appPK=%s", e.EntityName, e.AppPK)
}

// ErrConnectionFailed indicates the underlying driver could not be reached.
type ErrConnectionFailed struct {
	Backend string
	Cause   error
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("local store connection failed (%s): %v", e.Backend, e.Cause)
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Cause }

// Error type classification labels for metrics.
const (
	ErrorTypeConnection = "connection"
	ErrorTypeSchema     = "schema"
	ErrorTypeNotFound   = "not_found"
	ErrorTypeValidation = "validation"
	ErrorTypeUnknown    = "unknown"
)

// ClassifyError maps a Local Store error to a metric label.
func ClassifyError(err error) string {
	switch err.(type) {
	case nil:
		return ""
	case *ErrConnectionFailed:
		return ErrorTypeConnection
	case *ErrStorageInitFailed:
		return ErrorTypeSchema
	case *ErrEntityNotFound:
		return ErrorTypeNotFound
	case *ErrInvalidBackend:
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}
