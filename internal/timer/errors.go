package timer

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidDuration is returned by Run for a non-positive duration
	ErrInvalidDuration = errors.New("duration must be positive")

	// ErrAlreadyRestored is returned by a second RestoreOnStartup call
	ErrAlreadyRestored = errors.New("timers already restored")

	// ErrGatewayFailure marks errors from reading or writing an entity attribute
	ErrGatewayFailure = errors.New("gateway failure")

	// ErrPersistence marks errors from loading or saving the snapshot
	ErrPersistence = errors.New("persistence failure")
)
