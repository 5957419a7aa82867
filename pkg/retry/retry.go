// Package retry wraps avast/retry-go with the retry policy used for
// idempotent remote reads.
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/remotefs/remotefs/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, the first one included
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Jitter adds up to InitialDelay of random delay to each wait
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors restricts retries to these codes. When empty any
	// error flagged retryable is retried.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called after each failed attempt that will be retried
	OnRetry func(attempt int, err error) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Jitter:       true,
	}
}

// Retryer runs functions under a retry policy
type Retryer struct {
	config Config
}

// New creates a Retryer, applying defaults for zero values
func New(config Config) *Retryer {
	d := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = d.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = d.MaxDelay
	}
	return &Retryer{config: config}
}

// Config returns the effective configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes fn with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error { return fn() })
}

// DoWithContext executes fn with retry logic, stopping when ctx is done.
// The error of the last attempt is returned.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	return retrygo.Do(func() error { return fn(ctx) }, r.Options(ctx)...)
}

// DoWithResult is DoWithContext for functions that return a value.
func DoWithResult[T any](ctx context.Context, r *Retryer, fn func(context.Context) (T, error)) (T, error) {
	return retrygo.DoWithData(func() (T, error) { return fn(ctx) }, r.Options(ctx)...)
}

// Options returns the retry-go options implementing the policy.
func (r *Retryer) Options(ctx context.Context) []retrygo.Option {
	delayType := retrygo.BackOffDelay
	if r.config.Jitter {
		delayType = retrygo.CombineDelay(retrygo.BackOffDelay, retrygo.RandomDelay)
	}

	opts := []retrygo.Option{
		retrygo.Attempts(uint(r.config.MaxAttempts)),
		retrygo.Delay(r.config.InitialDelay),
		retrygo.MaxDelay(r.config.MaxDelay),
		retrygo.MaxJitter(r.config.InitialDelay),
		retrygo.DelayType(delayType),
		retrygo.RetryIf(r.ShouldRetry),
		retrygo.LastErrorOnly(true),
		retrygo.Context(ctx),
	}
	if r.config.OnRetry != nil {
		onRetry := r.config.OnRetry
		opts = append(opts, retrygo.OnRetry(func(n uint, err error) {
			onRetry(int(n)+1, err)
		}))
	}
	return opts
}

// ShouldRetry reports whether err is worth another attempt.
func (r *Retryer) ShouldRetry(err error) bool {
	if !errors.IsRetryable(err) {
		return false
	}
	if len(r.config.RetryableErrors) == 0 {
		return true
	}
	code := errors.CodeOf(err)
	for _, c := range r.config.RetryableErrors {
		if c == code {
			return true
		}
	}
	return false
}
