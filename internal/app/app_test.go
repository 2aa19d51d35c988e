package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aserikov/newsdedup/internal/config"
	"github.com/aserikov/newsdedup/internal/pipeline"
)

func memoryConfig() config.Config {
	cfg := config.Config{}
	cfg.Database.Provider = "memory"
	cfg.Archive.Provider = "noop"
	cfg.Publisher.Provider = "noop"
	cfg.Fetch.UserAgents = []string{"test-agent/1.0"}
	cfg.Fetch.TimeoutSeconds = 5
	cfg.Crawl.Workers = 1
	cfg.Index.DefaultK = 10
	cfg.Index.MaxK = 100
	return cfg
}

func TestNewWithMemoryProviders(t *testing.T) {
	a, err := New(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Store())
	require.NotNil(t, a.Index())
	require.NotNil(t, a.Orchestrator())
	require.Equal(t, pipeline.RunIdle, a.Orchestrator().Status().State)
}

func TestNewRejectsUnknownProviders(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"database", func(c *config.Config) { c.Database.Provider = "oracle" }},
		{"archive", func(c *config.Config) { c.Archive.Provider = "s3" }},
		{"publisher", func(c *config.Config) { c.Publisher.Provider = "kafka" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := memoryConfig()
			tc.mutate(&cfg)
			_, err := New(context.Background(), cfg)
			require.Error(t, err)
		})
	}
}

func TestRebuildIndexFromStore(t *testing.T) {
	a, err := New(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer a.Close(context.Background())

	_, err = a.Store().Upsert(context.Background(),
		pipeline.Decision{Kind: pipeline.DecisionInsert},
		pipeline.ArticleCandidate{
			Link:        "https://example.kz/a",
			Title:       "Title",
			Body:        "an article body with several indexable words",
			Fingerprint: "fp-a",
		})
	require.NoError(t, err)

	require.NoError(t, a.RebuildIndex(context.Background()))
	require.Equal(t, 1, a.Index().Stats().Documents)
}
