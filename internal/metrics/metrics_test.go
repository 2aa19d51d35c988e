package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"https://WWW.Inform.KZ/ru/archive", "www.inform.kz"},
		{"www.inform.kz/ru", "www.inform.kz"},
		{"http://example.com:8080/x", "example.com"},
		{"", "unknown"},
		{"http://", "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeSite(tc.in), tc.in)
	}
}

func TestInit_IdempotentAndObservable(t *testing.T) {
	Init()
	Init()

	// Exercising the helpers must not panic after Init.
	ObserveFetchAttempt("https://www.inform.kz/ru/a/1", "ok", 1024)
	ObserveFetchFailure("https://www.inform.kz/ru/a/1", "timeout")
	ObserveDecision("insert")
	ObserveExtractionError()
	ObserveIndexRebuild(5)
	SetIndexDocuments(6)
	ObserveHTTPRequest("GET", "/v1/search", 200, 0)
	IncActiveWorkers()
	DecActiveWorkers()
	ObserveRateLimitDelay("www.inform.kz", 0)

	require.NotNil(t, Handler())
}
