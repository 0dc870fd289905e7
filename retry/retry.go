// Package retry provides retrying with exponential backoff for storage and
// bus operations. Transient infrastructure failures (network hiccups,
// primary elections, command timeouts) are retried; everything else is
// surfaced immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// attempt). A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff grows after each
	// retry.
	BackoffMultiplier float64
	// Jitter adds randomness to the backoff to prevent thundering herd.
	// A value of 0.1 adds up to 10% jitter.
	Jitter float64
}

// DefaultConfig returns the retry policy used around store and bus calls:
// three attempts backing off 100ms then 400ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 4.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all attempts have failed with retryable
// errors.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the total time spent retrying.
	TotalDuration time.Duration
	// LastError is the error from the last attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// IsRetryable determines whether an error is worth another attempt.
// Retryable errors are:
//   - context deadline exceeded (but not context canceled)
//   - MongoDB network and timeout errors, including server selection
//   - network timeouts and dial failures
//   - temporary DNS failures
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false // caller gave up, don't retry
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if mongodriver.IsTimeout(err) || mongodriver.IsNetworkError(err) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	// Dial failures (connection refused during a broker or primary restart)
	// surface as op errors without the timeout flag.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do executes fn, retrying retryable errors until the attempt budget runs
// out. The last error is wrapped in an ExhaustedError when the budget is
// spent.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		backoff := calculateBackoff(cfg, attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// calculateBackoff computes the backoff duration for a given attempt.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))

	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}

	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
		backoff += jitter
	}

	return time.Duration(backoff)
}
