package ssh

import (
	"errors"

	"github.com/openfroyo/opsflow/pkg/engine"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// toEngineError classifies a transport failure for the engine's retry logic.
func toEngineError(err error, operation string) error {
	var te *TransportError
	if errors.As(err, &te) && te.IsTemporary {
		return engine.NewTransientError("remote transport failed", err).
			WithCode(engine.ErrCodeAdapterFailed).
			WithOperation(operation)
	}
	return engine.NewPermanentError("remote transport failed", err).
		WithCode(engine.ErrCodeAdapterFailed).
		WithOperation(operation)
}
