package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/store"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock, fixedClock{}, nil)
}

func articleRows(recs ...pipeline.ArticleRecord) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "link", "title", "published_at", "author", "tags",
		"body", "fingerprint", "alt_links", "created_at", "updated_at",
	})
	for _, rec := range recs {
		var published *time.Time
		if !rec.PublishedAt.IsZero() {
			ts := rec.PublishedAt
			published = &ts
		}
		rows.AddRow(
			rec.ID, rec.Link, rec.Title, published, rec.Author, rec.Tags,
			rec.Body, rec.Fingerprint, rec.AltLinks, rec.CreatedAt, rec.UpdatedAt,
		)
	}
	return rows
}

func sampleRecord(id int64) pipeline.ArticleRecord {
	return pipeline.ArticleRecord{
		ID:          id,
		Link:        "https://example.com/article/1",
		Title:       "Markets rally",
		PublishedAt: fixedNow.Add(-24 * time.Hour),
		Author:      "A. Serikov",
		Tags:        []string{"economy"},
		Body:        "body text",
		Fingerprint: "fp-1",
		AltLinks:    []string{},
		CreatedAt:   fixedNow,
		UpdatedAt:   fixedNow,
	}
}

func TestUpsert_InsertAllocatesCounterID(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	cand := pipeline.ArticleCandidate{
		Link:        "https://example.com/article/1",
		Title:       "Markets rally",
		Tags:        []string{"economy"},
		Body:        "body text",
		Fingerprint: "fp-1",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE article_id_counter").
		WillReturnRows(pgxmock.NewRows([]string{"next_id"}).AddRow(int64(42)))
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(
			int64(42), cand.Link, cand.Title, (*time.Time)(nil), "",
			[]string{"economy"}, cand.Body, cand.Fingerprint, []string{},
			fixedNow, fixedNow,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rec, err := s.Upsert(context.Background(), pipeline.Decision{Kind: pipeline.DecisionInsert}, cand)
	require.NoError(t, err)
	require.Equal(t, int64(42), rec.ID)
	require.Equal(t, fixedNow, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_InsertUniqueViolationIsConflict(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE article_id_counter").
		WillReturnRows(pgxmock.NewRows([]string{"next_id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(
			int64(7), "https://example.com/article/1", "", (*time.Time)(nil), "",
			[]string{}, "b", "fp-1", []string{}, fixedNow, fixedNow,
		).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "articles_link_key"})
	mock.ExpectRollback()

	_, err := s.Upsert(context.Background(), pipeline.Decision{Kind: pipeline.DecisionInsert}, pipeline.ArticleCandidate{
		Link: "https://example.com/article/1", Body: "b", Fingerprint: "fp-1",
	})
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_SkipRecordsAltLink(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	existing := sampleRecord(7)
	existing.AltLinks = []string{"https://mirror.example.com/a"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE articles").
		WithArgs(int64(7), "https://mirror.example.com/a", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT id, link").
		WithArgs(int64(7)).
		WillReturnRows(articleRows(existing))
	mock.ExpectCommit()

	rec, err := s.Upsert(context.Background(), pipeline.Decision{
		Kind:       pipeline.DecisionSkip,
		ExistingID: 7,
		AltLink:    "https://mirror.example.com/a",
	}, pipeline.ArticleCandidate{})
	require.NoError(t, err)
	require.Equal(t, existing.AltLinks, rec.AltLinks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_UpdateRewritesChangedFields(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	existing := sampleRecord(7)

	cand := pipeline.ArticleCandidate{
		Link:        existing.Link,
		Title:       "Markets retreat",
		Body:        "revised body",
		Fingerprint: "fp-2",
		Tags:        []string{"markets"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, link").
		WithArgs(int64(7)).
		WillReturnRows(articleRows(existing))
	mock.ExpectExec("UPDATE articles").
		WithArgs(
			int64(7), "Markets retreat", &existing.PublishedAt, existing.Author,
			[]string{"economy", "markets"}, "revised body", "fp-2", fixedNow,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	rec, err := s.Upsert(context.Background(), pipeline.Decision{
		Kind:          pipeline.DecisionUpdate,
		ExistingID:    7,
		ChangedFields: []string{"body", "title", "tags"},
	}, cand)
	require.NoError(t, err)
	require.Equal(t, "fp-2", rec.Fingerprint)
	require.Equal(t, []string{"economy", "markets"}, rec.Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByLink_NotFound(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectQuery("SELECT id, link").
		WithArgs("https://example.com/missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetByLink(context.Background(), "https://example.com/missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID_ReturnsRecord(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	existing := sampleRecord(3)
	mock.ExpectQuery("SELECT id, link").
		WithArgs(int64(3)).
		WillReturnRows(articleRows(existing))

	rec, err := s.GetByID(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, existing.Link, rec.Link)
	require.Equal(t, existing.PublishedAt, rec.PublishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_SetsNextPageToken(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	first := sampleRecord(1)
	second := sampleRecord(2)
	second.Link = "https://example.com/article/2"
	second.Fingerprint = "fp-2"
	third := sampleRecord(3)
	third.Link = "https://example.com/article/3"
	third.Fingerprint = "fp-3"

	mock.ExpectQuery("SELECT id, link").
		WithArgs(int64(0)).
		WillReturnRows(articleRows(first, second, third))

	page, err := s.List(context.Background(), store.Filter{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "2", page.NextPageToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_RejectsBadPageToken(t *testing.T) {
	t.Parallel()

	_, s := newMockStore(t)
	_, err := s.List(context.Background(), store.Filter{}, "not-a-number", 10)
	require.Error(t, err)
}

func TestQuery_IteratesRows(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	first := sampleRecord(1)
	second := sampleRecord(2)
	second.Link = "https://example.com/article/2"
	second.Fingerprint = "fp-2"

	mock.ExpectQuery("SELECT id, link").
		WithArgs(int64(0)).
		WillReturnRows(articleRows(first, second))

	it, err := s.Query(context.Background(), store.Filter{})
	require.NoError(t, err)
	defer it.Close()

	var ids []int64
	for it.Next(context.Background()) {
		ids = append(ids, it.Article().ID)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []int64{1, 2}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_NotFound(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectExec("DELETE FROM articles").
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.Delete(context.Background(), 9)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpoint_SaveAndLoad(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	cp := pipeline.Checkpoint{
		RunID:          "0190a8a0-0000-7000-8000-000000000000",
		State:          pipeline.RunRunning,
		ProcessedCount: 5,
		LastLink:       "https://example.com/article/5",
	}

	mock.ExpectExec("INSERT INTO crawl_checkpoints").
		WithArgs(cp.RunID, "running", int64(5), cp.LastLink, "", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveCheckpoint(context.Background(), cp))

	mock.ExpectQuery("SELECT run_id, state").
		WithArgs(cp.RunID).
		WillReturnRows(pgxmock.NewRows([]string{
			"run_id", "state", "processed_count", "last_link", "last_error", "updated_at",
		}).AddRow(cp.RunID, "running", int64(5), cp.LastLink, "", fixedNow))

	loaded, err := s.LoadCheckpoint(context.Background(), cp.RunID)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunRunning, loaded.State)
	require.Equal(t, int64(5), loaded.ProcessedCount)
	require.NoError(t, mock.ExpectationsWereMet())
}
