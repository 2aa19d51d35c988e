// Package extractor turns fetched HTML pages into article candidates. It is
// pure: no I/O, no clocks, the same page always yields the same candidate.
package extractor

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/textnorm"
)

// Selector classes of the archive's article markup.
const (
	selTitle    = "div.article_title"
	selDate     = "div.date_public_art"
	selBody     = "div.article_news_body"
	selKeywords = "div.keyword_art"
	selAuthor   = "p.name_p"
	selRelated  = "div.frame_news_article"
	selInsta    = "blockquote.instagram-media"

	selListing    = "div.lenta_news_block"
	selPagination = "p.pagination"
)

// Date layouts the archive publishes, most specific first.
var dateLayouts = []string{
	"02.01.2006 15:04",
	"02.01.2006",
}

// Extractor parses archive article and listing pages.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// ExtractArticle parses an article page into a candidate. A missing or empty
// body is unrecoverable and yields an ExtractionError; missing date, tags, or
// author degrade to zero values.
func (e *Extractor) ExtractArticle(page pipeline.RawPage) (pipeline.ArticleCandidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return pipeline.ArticleCandidate{}, &pipeline.ExtractionError{
			Link:   page.Link,
			Reason: fmt.Sprintf("parse html: %v", err),
		}
	}

	cand := pipeline.ArticleCandidate{
		Link:  page.Link,
		Title: strings.TrimSpace(doc.Find(selTitle).First().Text()),
	}

	if raw := strings.TrimSpace(doc.Find(selDate).First().Text()); raw != "" {
		if ts, ok := parseDate(raw); ok {
			cand.PublishedAt = ts
		}
	}

	cand.Author = strings.TrimSpace(doc.Find(selAuthor).First().Text())
	cand.Tags = splitKeywords(doc.Find(selKeywords).First().Text())

	// Related-article frames live inside the body markup; collect their
	// links, then drop the frames so they never leak into the body text.
	related := map[string]struct{}{}
	doc.Find(selRelated).Each(func(_ int, frame *goquery.Selection) {
		frame.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if href, ok := a.Attr("href"); ok && strings.TrimSpace(href) != "" {
				related[strings.TrimSpace(href)] = struct{}{}
			}
		})
		frame.Remove()
	})
	for href := range related {
		cand.RelatedLinks = append(cand.RelatedLinks, href)
	}

	doc.Find(selInsta).Remove()

	body := textnorm.CollapseWhitespace(doc.Find(selBody).First().Text())
	if body == "" {
		return pipeline.ArticleCandidate{}, &pipeline.ExtractionError{
			Link:   page.Link,
			Reason: "article body is missing or empty",
		}
	}
	cand.Body = body

	if cand.Title == "" {
		return pipeline.ArticleCandidate{}, &pipeline.ExtractionError{
			Link:   page.Link,
			Reason: "article title is missing",
		}
	}
	return cand, nil
}

// ExtractListing parses an archive listing page and returns absolute article
// links in document order, deduplicated.
func (e *Extractor) ExtractListing(page pipeline.RawPage) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &pipeline.ExtractionError{
			Link:   page.Link,
			Reason: fmt.Sprintf("parse html: %v", err),
		}
	}

	base, err := url.Parse(page.Link)
	if err != nil {
		return nil, &pipeline.ExtractionError{
			Link:   page.Link,
			Reason: fmt.Sprintf("parse listing url: %v", err),
		}
	}

	seen := map[string]struct{}{}
	var links []string
	doc.Find(selListing).Each(func(_ int, block *goquery.Selection) {
		block.Find("li a[href]").Each(func(_ int, a *goquery.Selection) {
			href, ok := a.Attr("href")
			if !ok {
				return
			}
			abs := resolveLink(base, strings.TrimSpace(href))
			if abs == "" {
				return
			}
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			links = append(links, abs)
		})
	})
	return links, nil
}

// ExtractPagination reads the pagination strip of the first listing page for
// a date and returns the URLs of every page in the strip. A page without a
// pagination strip has a single page and returns nil.
func (e *Extractor) ExtractPagination(page pipeline.RawPage) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &pipeline.ExtractionError{
			Link:   page.Link,
			Reason: fmt.Sprintf("parse html: %v", err),
		}
	}

	anchors := doc.Find(selPagination).First().Find("a")
	if anchors.Length() == 0 {
		return nil, nil
	}

	first, err1 := strconv.Atoi(strings.TrimSpace(anchors.First().Text()))
	last, err2 := strconv.Atoi(strings.TrimSpace(anchors.Last().Text()))
	if err1 != nil || err2 != nil || first > last {
		return nil, &pipeline.ExtractionError{
			Link:   page.Link,
			Reason: "pagination strip is malformed",
		}
	}

	base, err := url.Parse(page.Link)
	if err != nil {
		return nil, &pipeline.ExtractionError{
			Link:   page.Link,
			Reason: fmt.Sprintf("parse listing url: %v", err),
		}
	}

	pages := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		u := *base
		u.Path = fmt.Sprintf("/ru/archive/%d", i)
		pages = append(pages, u.String())
	}
	return pages, nil
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func splitKeywords(raw string) []string {
	var tags []string
	for _, part := range strings.Split(raw, "#") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func resolveLink(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
