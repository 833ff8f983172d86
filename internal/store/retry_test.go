package store

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{6, 2 * time.Second},
		{20, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyCapsMaxDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}
	if got := p.Delay(10); got != DefaultMaxDelay {
		t.Errorf("Delay = %v, want cap %v", got, DefaultMaxDelay)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", &os.PathError{Op: "open", Path: "x", Err: syscall.EBUSY}, true},
		{"again", syscall.EAGAIN, true},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"not exist", &os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}, false},
		{"permission", &os.PathError{Op: "open", Path: "x", Err: syscall.EACCES}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return syscall.EBUSY
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return syscall.EACCES
	})
	if !errors.Is(err, syscall.EACCES) {
		t.Fatalf("err = %v, want EACCES", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	var waits []int
	p := fastPolicy(2)
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { waits = append(waits, attempt) }
	err := Retry(context.Background(), p, func() error {
		calls++
		return syscall.EBUSY
	})
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, syscall.EBUSY) {
		t.Fatalf("err = %v, want exhausted EBUSY", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(waits) != 2 || waits[0] != 1 || waits[1] != 2 {
		t.Errorf("retries = %v, want [1 2]", waits)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: time.Second}
	calls := 0
	start := time.Now()
	err := Retry(ctx, p, func() error {
		calls++
		cancel()
		return syscall.EBUSY
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Retry waited %v after cancel", time.Since(start))
	}
}
