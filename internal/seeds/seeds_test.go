package seeds

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aserikov/newsdedup/internal/extractor"
	"github.com/aserikov/newsdedup/internal/pipeline"
)

func TestGenerateDatesSingleDay(t *testing.T) {
	t.Parallel()

	dates, err := GenerateDates("05.03.2021", "")
	require.NoError(t, err)
	require.Equal(t, []string{"05.03.2021"}, dates)
}

func TestGenerateDatesRange(t *testing.T) {
	t.Parallel()

	dates, err := GenerateDates("30.12.2020", "02.01.2021")
	require.NoError(t, err)
	require.Equal(t, []string{"30.12.2020", "31.12.2020", "01.01.2021"}, dates)
}

func TestGenerateDatesRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		start string
		end   string
	}{
		{"malformed start", "2021-03-05", ""},
		{"malformed end", "05.03.2021", "tomorrow"},
		{"end before start", "05.03.2021", "01.03.2021"},
		{"end equals start", "05.03.2021", "05.03.2021"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := GenerateDates(tc.start, tc.end)
			require.Error(t, err)
		})
	}
}

type fakeListingFetcher struct {
	pages map[string]string
	fetched []string
}

func (f *fakeListingFetcher) Fetch(_ context.Context, link string) (pipeline.RawPage, error) {
	f.fetched = append(f.fetched, link)
	body, ok := f.pages[link]
	if !ok {
		return pipeline.RawPage{}, &pipeline.FetchError{
			Link: link,
			Kind: pipeline.FetchNotFound,
			Err:  fmt.Errorf("status 404"),
		}
	}
	return pipeline.RawPage{Link: link, FinalURL: link, StatusCode: 200, Body: []byte(body)}, nil
}

func listingHTML(links []string, pages []int) string {
	html := `<html><body><div class="lenta_news_block"><ul>`
	for _, l := range links {
		html += `<li><a href="` + l + `">item</a></li>`
	}
	html += `</ul></div>`
	if len(pages) > 0 {
		html += `<p class="pagination">`
		for _, p := range pages {
			html += fmt.Sprintf(`<a href="/ru/archive/%d">%d</a>`, p, p)
		}
		html += `</p>`
	}
	html += `</body></html>`
	return html
}

func TestExpandWalksPagination(t *testing.T) {
	t.Parallel()

	base := "https://www.inform.kz"
	fetcher := &fakeListingFetcher{pages: map[string]string{
		base + "/ru/archive?date=05.03.2021": listingHTML(
			[]string{"/ru/article/1", "/ru/article/2"}, []int{1, 2},
		),
		base + "/ru/archive/2?date=05.03.2021": listingHTML(
			[]string{"/ru/article/2", "/ru/article/3"}, []int{1, 2},
		),
	}}

	exp := NewExpander(base, fetcher, extractor.New(), zaptest.NewLogger(t))
	links, err := exp.Expand(context.Background(), []string{"05.03.2021"})
	require.NoError(t, err)
	require.Equal(t, []string{
		base + "/ru/article/1",
		base + "/ru/article/2",
		base + "/ru/article/3",
	}, links)
	// The first listing page is fetched once, not again via pagination.
	require.Len(t, fetcher.fetched, 2)
}

func TestExpandSkipsFailedDates(t *testing.T) {
	t.Parallel()

	base := "https://www.inform.kz"
	fetcher := &fakeListingFetcher{pages: map[string]string{
		base + "/ru/archive?date=06.03.2021": listingHTML([]string{"/ru/article/9"}, nil),
	}}

	exp := NewExpander(base, fetcher, extractor.New(), zaptest.NewLogger(t))
	links, err := exp.Expand(context.Background(), []string{"05.03.2021", "06.03.2021"})
	require.NoError(t, err)
	require.Equal(t, []string{base + "/ru/article/9"}, links)
}

func TestExpandHonorsContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exp := NewExpander("https://www.inform.kz", &fakeListingFetcher{}, extractor.New(), zaptest.NewLogger(t))
	_, err := exp.Expand(ctx, []string{"05.03.2021"})
	require.ErrorIs(t, err, context.Canceled)
}
