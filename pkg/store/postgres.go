package store

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/internal/types"
)

// StorageError is record-scoped. A record that failed to store is not
// seeded into the dedup index next run, so the item is re-attempted.
type StorageError struct {
	Fingerprint string
	Err         error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Fingerprint, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type RecordStoreConfig struct {
	ConnString  string
	TableName   string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	Logger      *slog.Logger
}

// RecordStore persists classified articles in Postgres, keyed by
// content fingerprint.
type RecordStore struct {
	config RecordStoreConfig
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ types.RecordStore = (*RecordStore)(nil)

func NewWithConfig(ctx context.Context, config RecordStoreConfig) (*RecordStore, error) {
	if config.TableName == "" {
		config.TableName = "articles"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 500 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rs := &RecordStore{
		config: config,
		pool:   pool,
		logger: logger,
	}

	if err := rs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return rs, nil
}

func (rs *RecordStore) initialize(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			fingerprint   TEXT PRIMARY KEY,
			source_id     TEXT NOT NULL,
			canonical_url TEXT NOT NULL,
			title         TEXT NOT NULL,
			body          TEXT NOT NULL,
			published_at  TIMESTAMPTZ,
			label         TEXT NOT NULL,
			score         DOUBLE PRECISION NOT NULL,
			model_version TEXT NOT NULL,
			classified_at TIMESTAMPTZ NOT NULL,
			scraped_at    TIMESTAMPTZ NOT NULL
		)`, rs.config.TableName)

	if _, err := rs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source_id)`,
		rs.config.TableName, rs.config.TableName)

	if _, err := rs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Upsert writes one record, replace-or-insert keyed on fingerprint.
// Re-delivery of the same record is safe: the classification fields are
// overwritten last-writer-wins, never duplicated. Transient database
// failures are retried a bounded number of times with backoff.
func (rs *RecordStore) Upsert(ctx context.Context, rec models.PersistedRecord) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (fingerprint, source_id, canonical_url, title, body,
			published_at, label, score, model_version, classified_at, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fingerprint) DO UPDATE SET
			label = EXCLUDED.label,
			score = EXCLUDED.score,
			model_version = EXCLUDED.model_version,
			classified_at = EXCLUDED.classified_at`,
		rs.config.TableName)

	var lastErr error
	for attempt := 0; attempt < rs.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := rs.sleepBackoff(ctx, attempt); err != nil {
				break
			}
			rs.logger.Warn("upsert retry",
				"fingerprint", rec.Fingerprint, "attempt", attempt+1, "err", lastErr)
		}

		execCtx, cancel := context.WithTimeout(ctx, rs.config.Timeout)
		_, err := rs.pool.Exec(execCtx, stmt,
			rec.Fingerprint,
			rec.SourceID,
			rec.CanonicalURL,
			sanitizeUTF8(rec.Title),
			sanitizeUTF8(rec.Body),
			rec.PublishedAt,
			rec.Label,
			rec.Score,
			rec.ModelVersion,
			rec.ClassifiedAt,
			rec.ScrapedAt,
		)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return &StorageError{Fingerprint: rec.Fingerprint, Err: lastErr}
}

// Fingerprints returns every stored fingerprint, used to seed the
// dedup index at startup.
func (rs *RecordStore) Fingerprints(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT fingerprint FROM %s`, rs.config.TableName)

	rows, err := rs.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

// Records serves downstream readers (reporting, ad-hoc inspection).
// Records are only ever fully classified: partial rows cannot exist, as
// the sink writes item and classification in one statement.
func (rs *RecordStore) Records(ctx context.Context, filter types.RecordFilter) ([]models.PersistedRecord, error) {
	query := fmt.Sprintf(`
		SELECT fingerprint, source_id, canonical_url, title, body,
			published_at, label, score, model_version, classified_at, scraped_at
		FROM %s
		WHERE ($1 = '' OR source_id = $1)
		  AND ($2 = '' OR label = $2)
		  AND score >= $3
		ORDER BY classified_at DESC`,
		rs.config.TableName)

	args := []any{filter.SourceID, filter.Label, filter.MinScore}
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}

	rows, err := rs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var recs []models.PersistedRecord
	for rows.Next() {
		var rec models.PersistedRecord
		err := rows.Scan(
			&rec.Fingerprint,
			&rec.SourceID,
			&rec.CanonicalURL,
			&rec.Title,
			&rec.Body,
			&rec.PublishedAt,
			&rec.Label,
			&rec.Score,
			&rec.ModelVersion,
			&rec.ClassifiedAt,
			&rec.ScrapedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (rs *RecordStore) Close() {
	if rs.pool != nil {
		rs.pool.Close()
	}
}

func (rs *RecordStore) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := rs.config.BackoffBase << (attempt - 1)
	delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
