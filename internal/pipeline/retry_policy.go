package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math"
	"math/big"
	"net"
	"strings"
	"syscall"
	"time"
)

// RetryPolicy decides whether a fetch attempt is worth repeating and how
// long to wait before the next one.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy with the given attempt budget.
// Zero or negative values fall back to defaults (3 attempts, 250ms base,
// 5s cap).
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts reports the attempt budget.
func (p *ExponentialRetryPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldRetry decides whether the error is retryable. attempt is the
// zero-based index of the attempt that just failed; the budget counts total
// attempts, so a failure of attempt maxAttempts-1 is terminal.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts-1 {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch ClassifyFetchError(err) {
	case FetchTimeout, FetchConnectionReset, FetchProtocolError:
		return true
	case FetchNotFound:
		return false
	default:
		return false
	}
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// ClassifyFetchError maps a transport error onto the FetchErrorKind
// taxonomy. The mapping is intentionally coarse; anything unrecognized is
// FetchOther.
func ClassifyFetchError(err error) FetchErrorKind {
	if err == nil {
		return FetchOther
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return FetchConnectionReset
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Not Found") || strings.Contains(msg, "404"):
		return FetchNotFound
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "bad status") ||
		strings.Contains(msg, "Internal Server Error") || strings.Contains(msg, "Bad Gateway") ||
		strings.Contains(msg, "Service Unavailable"):
		return FetchProtocolError
	case strings.Contains(msg, "reset"):
		return FetchConnectionReset
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return FetchTimeout
	}
	return FetchOther
}
