// Package collyfetcher implements pipeline.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/pipeline"
)

// Config controls collector and retry behavior.
type Config struct {
	// UserAgents is rotated across requests; at least one entry is required.
	UserAgents   []string
	Timeout      time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxBodyBytes int
}

// Fetcher implements pipeline.Fetcher using cloned Colly collectors over one
// pooled transport, so connections persist across calls.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	retry         *pipeline.ExponentialRetryPolicy
	logger        *zap.Logger
	uaCursor      atomic.Uint64
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = []string{"newsdedup-bot/0.1"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	// Clones share the visit storage; retries revisit the same URL.
	c.AllowURLRevisit = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		retry:         pipeline.NewExponentialRetryPolicy(cfg.MaxRetries+1, cfg.BackoffBase, cfg.BackoffMax),
		logger:        logger,
	}
}

// Fetch executes an HTTP GET with bounded retry. The terminal error is
// always a *pipeline.FetchError; transient failures are logged per attempt
// so nothing is swallowed.
func (f *Fetcher) Fetch(ctx context.Context, link string) (pipeline.RawPage, error) {
	start := time.Now()
	trace := pipeline.ContextFetchTrace(ctx)
	var lastErr error
	for attempt := 0; ; attempt++ {
		page, err := f.fetchOnce(ctx, link, f.nextUserAgent())
		if err == nil {
			page.Attempts = attempt + 1
			page.FetchedAt = time.Now().UTC()
			page.Duration = time.Since(start)
			return page, nil
		}
		lastErr = err
		if !f.retry.ShouldRetry(err, attempt) {
			return pipeline.RawPage{}, &pipeline.FetchError{
				Kind:     pipeline.ClassifyFetchError(err),
				Link:     link,
				Attempts: attempt + 1,
				Elapsed:  time.Since(start),
				Err:      lastErr,
			}
		}
		delay := f.retry.Backoff(attempt)
		kind := pipeline.ClassifyFetchError(err)
		if trace != nil && trace.Retry != nil {
			trace.Retry(attempt+1, kind, delay)
		}
		f.logger.Warn("fetch retry",
			zap.String("link", link),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return pipeline.RawPage{}, &pipeline.FetchError{
				Kind:     pipeline.ClassifyFetchError(err),
				Link:     link,
				Attempts: attempt + 1,
				Elapsed:  time.Since(start),
				Err:      err,
			}
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, link, userAgent string) (pipeline.RawPage, error) {
	var (
		result   pipeline.RawPage
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.UserAgent = userAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	collector.OnResponse(func(r *colly.Response) {
		result = pipeline.RawPage{
			Link:       link,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = statusError(r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(link)
	}()

	select {
	case <-ctx.Done():
		return pipeline.RawPage{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return pipeline.RawPage{}, fetchErr
		}
		if err != nil {
			return pipeline.RawPage{}, fmt.Errorf("visit %s: %w", link, err)
		}
		return result, nil
	}
}

func (f *Fetcher) nextUserAgent() string {
	n := f.uaCursor.Add(1)
	return f.cfg.UserAgents[int((n-1)%uint64(len(f.cfg.UserAgents)))]
}

// statusError maps HTTP status codes onto the retryable taxonomy up front,
// so the retry policy does not have to parse error text.
func statusError(code int, err error) error {
	kind := pipeline.FetchOther
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		kind = pipeline.FetchNotFound
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		kind = pipeline.FetchTimeout
	case code >= 500:
		kind = pipeline.FetchProtocolError
	}
	return &pipeline.FetchError{Kind: kind, Attempts: 1, Err: fmt.Errorf("status %d: %w", code, err)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
