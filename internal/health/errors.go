package health

import "errors"

var (
	// ErrUnknownCheckerType is returned when a declaration names a type
	// tag no factory is registered for.
	ErrUnknownCheckerType = errors.New("health: unknown checker type")

	// ErrStartupTimeout is returned by Processor.Start when the aggregate
	// never became healthy within the startup window.
	ErrStartupTimeout = errors.New("health: processor did not become healthy before startup timeout")

	// ErrStartupGate is returned by BackgroundLoop.Run when the processor
	// never got far enough through startup to be driven.
	ErrStartupGate = errors.New("health: processor never reached initialized stage")

	ErrProcessorStopped = errors.New("health: processor stopped")
)

// SetupError marks a probe construction failure that leaves the checker
// registered but not ready, as opposed to a configuration error that
// aborts processor construction.
type SetupError struct{ Err error }

func (e *SetupError) Error() string { return "setup: " + e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// SetupFailed wraps err as a SetupError. Nil stays nil.
func SetupFailed(err error) error {
	if err == nil {
		return nil
	}
	return &SetupError{Err: err}
}
