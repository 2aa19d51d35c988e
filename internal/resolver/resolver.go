// Package resolver decides whether a candidate is a new article, a revision
// of a known one, or a duplicate published under another URL.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/store"
	"github.com/aserikov/newsdedup/internal/textnorm"
)

// Lookups is the slice of the store the resolver needs. Implementations
// return store.ErrNotFound when no record matches.
type Lookups interface {
	GetByLink(ctx context.Context, link string) (pipeline.ArticleRecord, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (pipeline.ArticleRecord, error)
}

// Resolver implements pipeline.Resolver.
type Resolver struct {
	lookups Lookups
	hasher  pipeline.Hasher
	logger  *zap.Logger
}

// New creates a Resolver.
func New(lookups Lookups, hasher pipeline.Hasher, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		lookups: lookups,
		hasher:  hasher,
		logger:  logger.Named("resolver"),
	}
}

// Resolve fingerprints the candidate body and decides insert, skip, or
// update. The link lookup runs first and always wins: a changed body at a
// known link is a revision, not a new article. A fingerprint-only match is a
// duplicate and records the candidate link as an alternate.
func (r *Resolver) Resolve(ctx context.Context, cand *pipeline.ArticleCandidate) (pipeline.Decision, error) {
	fp, err := r.fingerprint(cand.Body)
	if err != nil {
		return pipeline.Decision{}, fmt.Errorf("fingerprint candidate %q: %w", cand.Link, err)
	}
	cand.Fingerprint = fp

	byLink, err := r.lookups.GetByLink(ctx, cand.Link)
	switch {
	case err == nil:
		return r.resolveKnownLink(byLink, cand), nil
	case !errors.Is(err, store.ErrNotFound):
		return pipeline.Decision{}, fmt.Errorf("lookup by link %q: %w", cand.Link, err)
	}

	byFP, err := r.lookups.GetByFingerprint(ctx, fp)
	switch {
	case err == nil:
		r.logger.Debug("duplicate content under new link",
			zap.String("link", cand.Link),
			zap.Int64("existing_id", byFP.ID),
		)
		return pipeline.Decision{
			Kind:       pipeline.DecisionSkip,
			ExistingID: byFP.ID,
			AltLink:    cand.Link,
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		return pipeline.Decision{}, fmt.Errorf("lookup by fingerprint: %w", err)
	}

	return pipeline.Decision{Kind: pipeline.DecisionInsert}, nil
}

func (r *Resolver) resolveKnownLink(existing pipeline.ArticleRecord, cand *pipeline.ArticleCandidate) pipeline.Decision {
	changed := changedFields(existing, cand)
	if len(changed) == 0 {
		return pipeline.Decision{
			Kind:       pipeline.DecisionSkip,
			ExistingID: existing.ID,
		}
	}
	r.logger.Debug("article revised in place",
		zap.String("link", cand.Link),
		zap.Int64("existing_id", existing.ID),
		zap.Strings("changed", changed),
	)
	return pipeline.Decision{
		Kind:          pipeline.DecisionUpdate,
		ExistingID:    existing.ID,
		ChangedFields: changed,
	}
}

func (r *Resolver) fingerprint(body string) (string, error) {
	return r.hasher.Hash([]byte(textnorm.Normalize(body)))
}

func changedFields(existing pipeline.ArticleRecord, cand *pipeline.ArticleCandidate) []string {
	var changed []string
	if cand.Fingerprint != existing.Fingerprint {
		changed = append(changed, "body")
	}
	if cand.Title != "" && cand.Title != existing.Title {
		changed = append(changed, "title")
	}
	if !cand.PublishedAt.IsZero() && !cand.PublishedAt.Equal(existing.PublishedAt) {
		changed = append(changed, "published_at")
	}
	if cand.Author != "" && cand.Author != existing.Author {
		changed = append(changed, "author")
	}
	if addsTags(existing.Tags, cand.Tags) {
		changed = append(changed, "tags")
	}
	return changed
}

func addsTags(existing, incoming []string) bool {
	have := make(map[string]struct{}, len(existing))
	for _, tag := range existing {
		have[tag] = struct{}{}
	}
	for _, tag := range incoming {
		if _, ok := have[tag]; !ok {
			return true
		}
	}
	return false
}
