package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports an operation that ran past its own deadline while
// the caller's context was still live.
type TimeoutError struct {
	Op    string
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %v: %v", e.Op, e.Limit, e.Err)
}

func (e *TimeoutError) Unwrap() []error {
	return []error{context.DeadlineExceeded, e.Err}
}

// WithTimeout runs fn with a context bounded by timeout. fn must honour its
// context; WithTimeout does not abandon it. A non-positive timeout runs fn
// with ctx unchanged.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	bounded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(bounded)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(bounded.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: name, Limit: timeout, Err: err}
	}
	return err
}

// IsTimeout reports whether err came from a WithTimeout deadline.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
