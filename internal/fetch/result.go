// Package fetch schedules REST requests against a MarketDataSource in
// weight-aware batches and classifies every request into an explicit
// Result.
package fetch

import (
	"context"
	"errors"
	"time"

	"klinelake/internal/source"
	"klinelake/internal/util"
)

// Kind classifies the outcome of one request.
type Kind int

const (
	Ok Kind = iota
	Retry
	Fatal
	NoData
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	case NoData:
		return "no_data"
	}
	return "unknown"
}

// Result is the outcome of one fetch task. Value is set only for Ok; Err is
// set for Fatal and NoData.
type Result[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Policy bounds the retries of one request.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration // per attempt
}

// DefaultPolicy is 5 attempts, a 1s doubling delay and a 15s attempt timeout.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second, Timeout: 15 * time.Second}
}

// Classify maps a single attempt error to a Kind. ctx is the caller's
// context, not the per-attempt one.
func Classify(ctx context.Context, err error) Kind {
	switch {
	case err == nil:
		return Ok
	case source.IsNonRetryable(err):
		return NoData
	case ctx.Err() != nil:
		return Fatal
	}
	return Retry
}

// Call runs fn under p and returns its final Result. Retryable failures are
// retried with exponential backoff; when the attempts run out the last error
// is returned as Fatal.
func Call[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) Result[T] {
	var (
		value T
		kind  Kind
	)
	err := util.Retry(ctx, max(p.MaxAttempts, 1), p.BaseDelay, func(int) error {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		v, err := fn(actx)
		cancel()

		kind = Classify(ctx, err)
		switch kind {
		case Ok:
			value = v
			return nil
		case Retry:
			return err
		}
		return util.Permanent(err)
	})

	switch {
	case err == nil:
		return Result[T]{Kind: Ok, Value: value}
	case kind == NoData:
		return Result[T]{Kind: NoData, Err: unwrapPermanent(err)}
	}
	return Result[T]{Kind: Fatal, Err: unwrapPermanent(err)}
}

func unwrapPermanent(err error) error {
	if util.IsPermanent(err) {
		if inner := errors.Unwrap(err); inner != nil {
			return inner
		}
	}
	return err
}
