package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aserikov/newsdedup/internal/pipeline"
)

func newTestFetcher(t *testing.T, cfg Config) (*Fetcher, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return New(cfg, zap.New(core)), logs
}

func TestFetch_Success(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, Config{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond})
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, 1, page.Attempts)
	assert.Contains(t, string(page.Body), "ok")
	assert.False(t, page.FetchedAt.IsZero())
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f, logs := newTestFetcher(t, Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Attempts)
	assert.EqualValues(t, 4, calls.Load(), "every attempt reaches the server")
	assert.Contains(t, string(page.Body), "recovered")
	assert.Equal(t, 3, logs.FilterMessage("fetch retry").Len(), "every retry is logged")
}

func TestFetch_NotFoundIsTerminal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	_, err := f.Fetch(context.Background(), srv.URL)
	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, pipeline.FetchNotFound, fe.Kind)
	assert.Equal(t, 1, fe.Attempts)
	assert.EqualValues(t, 1, calls.Load(), "404 is never retried")
}

func TestFetch_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, logs := newTestFetcher(t, Config{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	_, err := f.Fetch(context.Background(), srv.URL)
	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, pipeline.FetchProtocolError, fe.Kind)
	assert.Equal(t, 3, fe.Attempts)
	assert.EqualValues(t, 3, calls.Load(), "total attempts are 1 + max retries")
	assert.Equal(t, srv.URL, fe.Link)
	assert.Equal(t, 2, logs.FilterMessage("fetch retry").Len())
}

func TestFetch_TraceReportsRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, Config{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	var attempts []int
	var kinds []pipeline.FetchErrorKind
	ctx := pipeline.WithFetchTrace(context.Background(), &pipeline.FetchTrace{
		Retry: func(attempt int, kind pipeline.FetchErrorKind, backoff time.Duration) {
			attempts = append(attempts, attempt)
			kinds = append(kinds, kind)
		},
	})
	page, err := f.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Attempts)
	assert.Equal(t, []int{1, 2}, attempts, "hook fires once per failed attempt")
	assert.Equal(t, []pipeline.FetchErrorKind{pipeline.FetchProtocolError, pipeline.FetchProtocolError}, kinds)
}

func TestFetch_ContextCanceled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, Config{MaxRetries: 0, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, srv.URL)
	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, pipeline.FetchTimeout, fe.Kind)
	assert.Equal(t, 1, fe.Attempts)
}

func TestNextUserAgent_Rotates(t *testing.T) {
	t.Parallel()
	f, _ := newTestFetcher(t, Config{UserAgents: []string{"ua-1", "ua-2", "ua-3"}})
	seen := []string{f.nextUserAgent(), f.nextUserAgent(), f.nextUserAgent(), f.nextUserAgent()}
	assert.Equal(t, []string{"ua-1", "ua-2", "ua-3", "ua-1"}, seen)
}
