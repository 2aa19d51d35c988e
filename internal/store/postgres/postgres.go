// Package postgres provides the Postgres-backed Store. The upsert runs in a
// single transaction and allocates identity from the counter row, so the
// database's unique constraints are the only cross-process synchronization.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/store"
)

const uniqueViolation = "23505"

const articleColumns = `id, link, title, published_at, author, tags, body, fingerprint, alt_links, created_at, updated_at`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool   db
	clock  pipeline.Clock
	logger *zap.Logger
}

// New connects a pool and returns the Store. Migrations are not run here;
// call Migrate separately before serving traffic.
func New(ctx context.Context, cfg Config, clock pipeline.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, clock, logger), nil
}

// NewWithPool constructs a Store from an existing pool (primarily for tests).
func NewWithPool(pool db, clock pipeline.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		clock:  clock,
		logger: logger.Named("store"),
	}
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

// Upsert applies a resolver decision in one transaction.
func (s *Store) Upsert(ctx context.Context, decision pipeline.Decision, cand pipeline.ArticleCandidate) (pipeline.ArticleRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pipeline.ArticleRecord{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var rec pipeline.ArticleRecord
	switch decision.Kind {
	case pipeline.DecisionInsert:
		rec, err = s.insertTx(ctx, tx, cand)
	case pipeline.DecisionSkip:
		rec, err = s.skipTx(ctx, tx, decision)
	case pipeline.DecisionUpdate:
		rec, err = s.updateTx(ctx, tx, decision, cand)
	default:
		return pipeline.ArticleRecord{}, fmt.Errorf("unknown decision kind %q", decision.Kind)
	}
	if err != nil {
		return pipeline.ArticleRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return pipeline.ArticleRecord{}, fmt.Errorf("commit upsert: %w", asStoreErr(err))
	}
	return rec, nil
}

func (s *Store) insertTx(ctx context.Context, tx pgx.Tx, cand pipeline.ArticleCandidate) (pipeline.ArticleRecord, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`UPDATE article_id_counter SET next_id = next_id + 1 RETURNING next_id - 1`,
	).Scan(&id)
	if err != nil {
		return pipeline.ArticleRecord{}, fmt.Errorf("allocate article id: %w", err)
	}

	now := s.now()
	rec := pipeline.ArticleRecord{
		ID:          id,
		Link:        cand.Link,
		Title:       cand.Title,
		PublishedAt: cand.PublishedAt,
		Author:      cand.Author,
		Tags:        emptyIfNil(cand.Tags),
		Body:        cand.Body,
		Fingerprint: cand.Fingerprint,
		AltLinks:    []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = tx.Exec(ctx, `
INSERT INTO articles (`+articleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Link, rec.Title, nullableTime(rec.PublishedAt), rec.Author,
		rec.Tags, rec.Body, rec.Fingerprint, rec.AltLinks, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return pipeline.ArticleRecord{}, fmt.Errorf("insert article %q: %w", cand.Link, asStoreErr(err))
	}
	return rec, nil
}

func (s *Store) skipTx(ctx context.Context, tx pgx.Tx, decision pipeline.Decision) (pipeline.ArticleRecord, error) {
	if decision.AltLink != "" {
		_, err := tx.Exec(ctx, `
UPDATE articles
SET alt_links = array_append(alt_links, $2), updated_at = $3
WHERE id = $1 AND NOT (alt_links @> ARRAY[$2])`,
			decision.ExistingID, decision.AltLink, s.now(),
		)
		if err != nil {
			return pipeline.ArticleRecord{}, fmt.Errorf("record alt link for %d: %w", decision.ExistingID, err)
		}
	}
	rec, err := scanArticle(tx.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, decision.ExistingID))
	if err != nil {
		return pipeline.ArticleRecord{}, fmt.Errorf("load skip target %d: %w", decision.ExistingID, asStoreErr(err))
	}
	return rec, nil
}

func (s *Store) updateTx(ctx context.Context, tx pgx.Tx, decision pipeline.Decision, cand pipeline.ArticleCandidate) (pipeline.ArticleRecord, error) {
	rec, err := scanArticle(tx.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1 FOR UPDATE`, decision.ExistingID))
	if err != nil {
		return pipeline.ArticleRecord{}, fmt.Errorf("load update target %d: %w", decision.ExistingID, asStoreErr(err))
	}

	for _, field := range decision.ChangedFields {
		switch field {
		case "body":
			rec.Body = cand.Body
			rec.Fingerprint = cand.Fingerprint
		case "title":
			rec.Title = cand.Title
		case "published_at":
			rec.PublishedAt = cand.PublishedAt
		case "author":
			rec.Author = cand.Author
		case "tags":
			rec.Tags = unionTags(rec.Tags, cand.Tags)
		}
	}
	rec.UpdatedAt = s.now()

	_, err = tx.Exec(ctx, `
UPDATE articles
SET title = $2, published_at = $3, author = $4, tags = $5, body = $6,
    fingerprint = $7, updated_at = $8
WHERE id = $1`,
		rec.ID, rec.Title, nullableTime(rec.PublishedAt), rec.Author, rec.Tags,
		rec.Body, rec.Fingerprint, rec.UpdatedAt,
	)
	if err != nil {
		return pipeline.ArticleRecord{}, fmt.Errorf("update article %d: %w", rec.ID, asStoreErr(err))
	}
	return rec, nil
}

// GetByID fetches one record by identity.
func (s *Store) GetByID(ctx context.Context, id int64) (pipeline.ArticleRecord, error) {
	rec, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
	if err != nil {
		return pipeline.ArticleRecord{}, asStoreErr(err)
	}
	return rec, nil
}

// GetByLink fetches one record by canonical link.
func (s *Store) GetByLink(ctx context.Context, link string) (pipeline.ArticleRecord, error) {
	rec, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE link = $1`, link))
	if err != nil {
		return pipeline.ArticleRecord{}, asStoreErr(err)
	}
	return rec, nil
}

// GetByFingerprint fetches the record owning a fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (pipeline.ArticleRecord, error) {
	rec, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE fingerprint = $1`, fingerprint))
	if err != nil {
		return pipeline.ArticleRecord{}, asStoreErr(err)
	}
	return rec, nil
}

// List returns one keyset page ordered by ascending identity.
func (s *Store) List(ctx context.Context, filter store.Filter, pageToken string, limit int) (store.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	afterID := int64(0)
	if pageToken != "" {
		parsed, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return store.Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		afterID = parsed
	}

	query, args := filteredQuery(filter, afterID)
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT %d", limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return store.Page{}, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var page store.Page
	for rows.Next() {
		rec, err := scanArticle(rows)
		if err != nil {
			return store.Page{}, fmt.Errorf("scan article row: %w", err)
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, fmt.Errorf("list articles: %w", err)
	}

	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		page.NextPageToken = strconv.FormatInt(page.Records[limit-1].ID, 10)
	}
	return page, nil
}

// Query streams matching records in ascending identity order.
func (s *Store) Query(ctx context.Context, filter store.Filter) (store.ArticleIter, error) {
	query, args := filteredQuery(filter, 0)
	query += " ORDER BY id ASC"
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	return &iter{rows: rows}, nil
}

// KnownLinks reports which links are already stored, canonical or alternate.
func (s *Store) KnownLinks(ctx context.Context, links []string) (map[string]bool, error) {
	known := make(map[string]bool, len(links))
	for _, link := range links {
		known[link] = false
	}
	if len(links) == 0 {
		return known, nil
	}

	rows, err := s.pool.Query(ctx, `
SELECT link FROM articles WHERE link = ANY($1)
UNION
SELECT unnest(alt_links) AS link FROM articles WHERE alt_links && $1`,
		links,
	)
	if err != nil {
		return nil, fmt.Errorf("lookup known links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, fmt.Errorf("scan known link: %w", err)
		}
		if _, asked := known[link]; asked {
			known[link] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup known links: %w", err)
	}
	return known, nil
}

// Delete removes a record. The identity counter is untouched, so the ID is
// retired permanently.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM articles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete article %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SaveCheckpoint upserts the checkpoint row for a run.
func (s *Store) SaveCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run id is required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_checkpoints (run_id, state, processed_count, last_link, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id) DO UPDATE
SET state = EXCLUDED.state,
    processed_count = EXCLUDED.processed_count,
    last_link = EXCLUDED.last_link,
    last_error = EXCLUDED.last_error,
    updated_at = EXCLUDED.updated_at`,
		cp.RunID, string(cp.State), cp.ProcessedCount, cp.LastLink, cp.LastError, s.now(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %q: %w", cp.RunID, err)
	}
	return nil
}

// LoadCheckpoint fetches the checkpoint for a run.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) (pipeline.Checkpoint, error) {
	var (
		cp    pipeline.Checkpoint
		state string
	)
	err := s.pool.QueryRow(ctx, `
SELECT run_id, state, processed_count, last_link, last_error, updated_at
FROM crawl_checkpoints WHERE run_id = $1`, runID,
	).Scan(&cp.RunID, &state, &cp.ProcessedCount, &cp.LastLink, &cp.LastError, &cp.UpdatedAt)
	if err != nil {
		return pipeline.Checkpoint{}, asStoreErr(err)
	}
	cp.State = pipeline.RunState(state)
	return cp, nil
}

type iter struct {
	rows pgx.Rows
	cur  pipeline.ArticleRecord
	err  error
}

func (it *iter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	rec, err := scanArticle(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = rec
	return true
}

func (it *iter) Article() pipeline.ArticleRecord { return it.cur }
func (it *iter) Err() error                      { return it.err }

func (it *iter) Close() error {
	it.rows.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (pipeline.ArticleRecord, error) {
	var (
		rec       pipeline.ArticleRecord
		published *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.Link, &rec.Title, &published, &rec.Author,
		&rec.Tags, &rec.Body, &rec.Fingerprint, &rec.AltLinks,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return pipeline.ArticleRecord{}, err
	}
	if published != nil {
		rec.PublishedAt = published.UTC()
	}
	return rec, nil
}

func filteredQuery(filter store.Filter, afterID int64) (string, []any) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE id > $1`
	args := []any{afterID}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		query += fmt.Sprintf(" AND tags @> ARRAY[$%d]", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND published_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND published_at <= $%d", len(args))
	}
	return query, args
}

func asStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrConflict)
	}
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func unionTags(existing, incoming []string) []string {
	out := append([]string(nil), existing...)
	have := make(map[string]struct{}, len(existing))
	for _, tag := range existing {
		have[tag] = struct{}{}
	}
	for _, tag := range incoming {
		if _, ok := have[tag]; !ok {
			have[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
