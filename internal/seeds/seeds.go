// Package seeds turns date ranges into the article links a crawl run will
// process, by walking the archive's dated listing pages.
package seeds

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/pipeline"
)

// DateLayout is the archive's date format.
const DateLayout = "02.01.2006"

// GenerateDates expands a date range into individual days, start inclusive
// and end exclusive. An empty end means a single day.
func GenerateDates(start, end string) ([]string, error) {
	startDate, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q (want dd.mm.yyyy): %w", start, err)
	}
	endDate := startDate.AddDate(0, 0, 1)
	if end != "" {
		endDate, err = time.Parse(DateLayout, end)
		if err != nil {
			return nil, fmt.Errorf("invalid end date %q (want dd.mm.yyyy): %w", end, err)
		}
	}
	if !startDate.Before(endDate) {
		return nil, fmt.Errorf("end date %q must be after start date %q", end, start)
	}

	var dates []string
	for d := startDate; d.Before(endDate); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(DateLayout))
	}
	return dates, nil
}

// ListingExtractor is the slice of the extractor the expander needs.
type ListingExtractor interface {
	ExtractListing(page pipeline.RawPage) ([]string, error)
	ExtractPagination(page pipeline.RawPage) ([]string, error)
}

// Expander resolves date-range seeds into article links.
type Expander struct {
	baseURL   string
	fetcher   pipeline.Fetcher
	extractor ListingExtractor
	logger    *zap.Logger
}

// NewExpander creates an Expander rooted at the archive base URL.
func NewExpander(baseURL string, fetcher pipeline.Fetcher, extractor ListingExtractor, logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{
		baseURL:   baseURL,
		fetcher:   fetcher,
		extractor: extractor,
		logger:    logger.Named("seeds"),
	}
}

// ArchiveURL returns the first listing page for a date.
func (e *Expander) ArchiveURL(date string) string {
	return fmt.Sprintf("%s/ru/archive?date=%s", e.baseURL, date)
}

// Expand fetches each date's listing pages and collects article links in
// discovery order, deduplicated. A date whose listing cannot be fetched or
// parsed is logged and skipped; the remaining dates still expand.
func (e *Expander) Expand(ctx context.Context, dates []string) ([]string, error) {
	seen := map[string]struct{}{}
	var links []string

	appendLinks := func(found []string) {
		for _, link := range found {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			links = append(links, link)
		}
	}

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		first, err := e.fetcher.Fetch(ctx, e.ArchiveURL(date))
		if err != nil {
			e.logger.Warn("archive listing fetch failed",
				zap.String("date", date),
				zap.Error(err),
			)
			continue
		}

		found, err := e.extractor.ExtractListing(first)
		if err != nil {
			e.logger.Warn("archive listing parse failed",
				zap.String("date", date),
				zap.Error(err),
			)
			continue
		}
		appendLinks(found)

		pages, err := e.extractor.ExtractPagination(first)
		if err != nil {
			e.logger.Warn("archive pagination parse failed",
				zap.String("date", date),
				zap.Error(err),
			)
			continue
		}
		for _, pageURL := range pages[min(1, len(pages)):] {
			page, err := e.fetcher.Fetch(ctx, pageURL)
			if err != nil {
				e.logger.Warn("archive page fetch failed",
					zap.String("page", pageURL),
					zap.Error(err),
				)
				continue
			}
			found, err := e.extractor.ExtractListing(page)
			if err != nil {
				e.logger.Warn("archive page parse failed",
					zap.String("page", pageURL),
					zap.Error(err),
				)
				continue
			}
			appendLinks(found)
		}
	}
	return links, nil
}
