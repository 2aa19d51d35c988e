package headless

import (
	"context"
	"errors"

	"github.com/aserikov/newsdedup/internal/pipeline"
)

// ErrHeadlessDisabled is returned by the Noop fetcher for every link.
var ErrHeadlessDisabled = errors.New("headless fetching is disabled")

// Noop is a stand-in used when no browser is available. Promotion attempts
// fail fast and the plain fetch result is used as-is.
type Noop struct{}

// NewNoop returns a disabled headless fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrHeadlessDisabled.
func (n *Noop) Fetch(_ context.Context, link string) (pipeline.RawPage, error) {
	return pipeline.RawPage{}, &pipeline.FetchError{
		Kind:     pipeline.FetchOther,
		Link:     link,
		Attempts: 0,
		Err:      ErrHeadlessDisabled,
	}
}

// Close is a no-op.
func (n *Noop) Close() {}
