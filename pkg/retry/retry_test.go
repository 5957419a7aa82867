package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/remotefs/remotefs/pkg/errors"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeOperationTimeout, "timeout")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeNotFound, "missing")
	})

	if errors.CodeOf(err) != errors.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_PlainErrorIsNotRetried(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return fmt.Errorf("boom")
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.Newf(errors.ErrCodeConnectionFailed, "attempt %d", attempts)
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if errors.CodeOf(err) != errors.ErrCodeConnectionFailed {
		t.Fatalf("Expected the last attempt's error, got %v", err)
	}
	if got := err.Error(); got != "CONNECTION_FAILED: attempt 3" {
		t.Errorf("Expected last error message, got %q", got)
	}
}

func TestRetryer_RetryableErrorsFilter(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryableErrors = []errors.ErrorCode{errors.ErrCodeOperationTimeout}
	retryer := New(cfg)

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeConnectionFailed, "refused")
	})
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for filtered code, got %d", attempts)
	}
}

func TestRetryer_NotRetryableFlag(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		e := errors.NewError(errors.ErrCodeConnectionFailed, "breaker open")
		e.Retryable = false
		return e
	})
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 10
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	retryer := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeOperationTimeout, "timeout")
	})

	if err == nil {
		t.Error("Expected error after cancellation")
	}
	if attempts >= 10 {
		t.Errorf("Expected cancellation to stop retries, got %d attempts", attempts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Retries ran for %v after cancellation", elapsed)
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	cfg := fastConfig()
	var seen []int
	cfg.OnRetry = func(attempt int, err error) {
		seen = append(seen, attempt)
	}
	retryer := New(cfg)

	_ = retryer.Do(func() error {
		return errors.NewError(errors.ErrCodeOperationTimeout, "timeout")
	})

	if len(seen) == 0 || seen[0] != 1 {
		t.Errorf("Expected OnRetry to start at attempt 1, got %v", seen)
	}
}

func TestDoWithResult(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	got, err := DoWithResult(context.Background(), retryer, func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.NewError(errors.ErrCodeConnectionFailed, "refused")
		}
		return "ok", nil
	})

	if err != nil || got != "ok" {
		t.Errorf("DoWithResult() = %q, %v", got, err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{})
	cfg := r.Config()
	if cfg.MaxAttempts != 3 || cfg.InitialDelay != 100*time.Millisecond || cfg.MaxDelay != time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
