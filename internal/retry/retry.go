// Package retry runs idempotent operations with power-of-two backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

// RetryError is returned once the retry budget is spent. It unwraps to the
// last error the operation returned.
type RetryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Result reports what a single Run did.
type Result struct {
	Attempts int
	Waits    []time.Duration
}

// Executor is safe for concurrent use; each Run owns its own backoff state.
type Executor struct {
	Unit      time.Duration
	NewTimer  func() backoff.Timer
	Permanent func(error) bool
	log       *logger.Logger
}

func New(unit time.Duration, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{
		Unit:      unit,
		Permanent: types.IsPermanent,
		log:       log.Component("retry"),
	}
}

// powerOfTwo waits unit, 2*unit, 4*unit, ...
type powerOfTwo struct {
	unit    time.Duration
	attempt uint
}

func (b *powerOfTwo) NextBackOff() time.Duration {
	d := b.unit << b.attempt
	b.attempt++
	return d
}

func (b *powerOfTwo) Reset() { b.attempt = 0 }

// Run calls op up to maxRetries+1 times. Permanent errors stop immediately
// and are returned unchanged.
func (e *Executor) Run(ctx context.Context, name string, maxRetries int, op func(context.Context) error) (Result, error) {
	_, res, err := Do(ctx, e, name, maxRetries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return res, err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, name string, maxRetries int, op func(context.Context) (T, error)) (T, Result, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	unit := e.Unit
	if unit <= 0 {
		unit = time.Second
	}
	isPermanent := e.Permanent
	if isPermanent == nil {
		isPermanent = types.IsPermanent
	}

	var (
		res     Result
		lastErr error
		perm    bool
	)
	operation := func() (T, error) {
		res.Attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if isPermanent(err) {
			perm = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		res.Waits = append(res.Waits, wait)
		e.log.WithFields(logrus.Fields{
			"op":      name,
			"attempt": res.Attempts,
			"wait":    wait.String(),
		}).WithField("error", err.Error()).Warn("operation failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&powerOfTwo{unit: unit}, uint64(maxRetries)), ctx)
	var timer backoff.Timer
	if e.NewTimer != nil {
		timer = e.NewTimer()
	}

	v, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, timer)
	switch {
	case err == nil:
		return v, res, nil
	case perm:
		return v, res, err
	case ctx.Err() != nil && lastErr != nil:
		return v, res, &RetryError{Op: name, Attempts: res.Attempts, Err: ctx.Err()}
	}
	e.log.WithFields(logrus.Fields{
		"op":       name,
		"attempts": res.Attempts,
	}).WithField("error", err.Error()).Error("operation failed, retries exhausted")
	return v, res, &RetryError{Op: name, Attempts: res.Attempts, Err: err}
}
