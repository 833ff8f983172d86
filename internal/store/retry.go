package store

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 50 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second
)

// ErrRetriesExhausted is wrapped around the last transient error once the
// retry budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy bounds the retry loop used for every storage call that may hit
// a transient error. The zero value uses the defaults.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 || p.MaxDelay > DefaultMaxDelay {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based): BaseDelay
// doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// IsTransient reports whether err is worth retrying: contention-class errno
// values, or errors that describe themselves as timeouts or temporary.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if isTransientErrno(err) {
		return true
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	return false
}

// Retry calls fn until it succeeds, returns a non-transient error, or the
// policy runs out of retries. Waits block on a timer and end early if ctx
// is done.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	p = p.withDefaults()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return errors.Join(ErrRetriesExhausted, err)
		}
		delay := p.Delay(attempt + 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if timer == nil {
			timer = time.NewTimer(delay)
		} else {
			timer.Reset(delay)
		}
		select {
		case <-ctx.Done():
			return errors.Join(context.Cause(ctx), err)
		case <-timer.C:
		}
	}
}
