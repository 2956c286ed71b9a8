package affiliate

import (
	"fmt"
	"strings"
)

// DecodeError reports a credential container that could not be parsed.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StrategyAttempt records why one authentication strategy failed.
type StrategyAttempt struct {
	Strategy string
	Err      error
}

// AuthenticationError is returned when every configured strategy failed,
// or when no strategy was configured at all.
type AuthenticationError struct {
	Attempts []StrategyAttempt
}

func (e *AuthenticationError) Error() string {
	if len(e.Attempts) == 0 {
		return "authentication failed: no credentials configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return "authentication failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the cause of each failed strategy to errors.Is/As.
func (e *AuthenticationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// SetupError means the link generation form could not be located after a
// successful login. It aborts the whole batch.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("link form setup failed at %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ItemResolutionError is a failure confined to a single product URL.
type ItemResolutionError struct {
	URL string
	Err error
}

func (e *ItemResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.URL, e.Err)
}

func (e *ItemResolutionError) Unwrap() error { return e.Err }
