package remote

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document or blob does not exist.
	// Readers treat it as an empty result.
	ErrNotFound = errors.New("remote: not found")

	// ErrPermissionDenied is returned when the caller may not read or write a path.
	ErrPermissionDenied = errors.New("remote: permission denied")

	// ErrUnavailable is returned on transient transport failures. Callers may retry.
	ErrUnavailable = errors.New("remote: unavailable")

	// ErrBatchTooLarge is returned by Commit for a batch over MaxBatchWrites.
	ErrBatchTooLarge = errors.New("remote: batch too large")
)

// Kind classifies a remote error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindPermissionDenied
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classify maps err onto the remote error taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether the operation that produced err may succeed if repeated.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}
