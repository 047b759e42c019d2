// Package probe is the single bounded sleep-and-retry primitive behind every
// wait in the creation pipeline: task-running, target registration, and
// public health checks all poll through it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gopkg.in/yaml.v3"
)

// ErrTimeout is returned when the attempt budget is exhausted without the
// check ever succeeding or failing hard.
var ErrTimeout = errors.New("polling budget exhausted")

// Budget bounds one polling site.
type Budget struct {
	MaxAttempts uint          `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// UnmarshalYAML accepts interval as a Go duration string ("2s", "500ms").
func (b *Budget) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxAttempts uint   `yaml:"max_attempts"`
		Interval    string `yaml:"interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	b.MaxAttempts = raw.MaxAttempts
	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("parse interval %q: %w", raw.Interval, err)
		}
		b.Interval = d
	}
	return nil
}

// FatalError marks a condition that will never resolve by waiting (for
// example a compute task observed as definitively stopped). It short-circuits
// the attempt loop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so Until stops retrying immediately.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// Until calls check at a fixed interval until it returns nil, fails hard, or
// the budget runs out. A plain error from check means "still coming up" and
// is retried; a Fatal error means "never will" and is returned as-is; budget
// exhaustion returns an error wrapping ErrTimeout and the last check error.
func Until(ctx context.Context, b Budget, check func(ctx context.Context) error) error {
	if b.MaxAttempts == 0 {
		return fmt.Errorf("%w: zero attempts budgeted", ErrTimeout)
	}

	var hard bool
	operation := func() (struct{}, error) {
		err := check(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			hard = true
			return struct{}{}, backoff.Permanent(fatal.Unwrap())
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(b.Interval)),
		backoff.WithMaxTries(b.MaxAttempts),
	)
	if err == nil {
		return nil
	}
	if hard || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrTimeout, b.MaxAttempts, err)
}
