package fault

import (
	"fmt"
	"time"
)

// ErrInvalidKind is returned when an unsupported fault kind is requested.
type ErrInvalidKind struct {
	Kind Kind
}

func (e ErrInvalidKind) Error() string {
	return fmt.Sprintf("invalid fault kind %q", e.Kind)
}

// ErrRecoveryTimeout is returned when recovery did not restore a single
// connected component within its bounded budget.
type ErrRecoveryTimeout struct {
	Elapsed time.Duration
	Retries int
}

func (e ErrRecoveryTimeout) Error() string {
	return fmt.Sprintf("recovery did not complete after %d retries (%s elapsed)", e.Retries, e.Elapsed)
}
