// Package store implements the persistent video corpus on SQLite.
//
// The corpus is seeded once from a slant-estimation CSV; afterwards only
// metadata columns and the blacklisted flag change. All slant-range queries
// filter the blacklist in the same predicate.
//
// Usage Example:
//
//	s, _ := store.NewVideoStore("data/videos.db", "sqlite3", logger)
//	defer s.Close()
//
//	// Sample 100 non-blacklisted videos around slant 0.3
//	vids, err := s.VideosInSlantRange(ctx, store.RangeQuery{
//	  Low: 0.1, High: 0.5, ExcludeBlacklisted: true, SampleSize: 100,
//	})
//
//	// Persist unwatchable ids
//	s.MarkBlacklisted(ctx, []string{"dQw4w9WgXcQ"})
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bubbledrift/internal/metrics"
	"bubbledrift/internal/types"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS video (
	id TEXT PRIMARY KEY,
	slant REAL,
	title TEXT,
	channel TEXT,
	description TEXT,
	tags_json TEXT,
	category TEXT,
	blacklisted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS ix_video_slant ON video(slant);
CREATE INDEX IF NOT EXISTS ix_video_channel ON video(channel);
`

const videoColumns = `id, slant, title, channel, description, tags_json, category, blacklisted`

// VideoStore is the SQLite-backed video corpus. It is safe for concurrent use.
type VideoStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	logger *zap.Logger
}

// RangeQuery selects videos by slant.
type RangeQuery struct {
	Low, High          float64  // inclusive bounds
	Exclude            []string // ids never returned
	ExcludeBlacklisted bool
	SampleSize         int // > 0 draws a uniform sample without replacement
}

// Stats summarizes the corpus.
type Stats struct {
	Total       int `json:"total"`
	Blacklisted int `json:"blacklisted"`
	Enriched    int `json:"enriched"`
}

// NewVideoStore opens (or creates) the store at path using the named
// database/sql driver: "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
func NewVideoStore(path, driver string, logger *zap.Logger) (*VideoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if driver == "" {
		driver = "sqlite3"
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and gives every
	// caller read-after-write visibility.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("Failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("Failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("Failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := RunMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Info("Video store ready", zap.String("path", path), zap.String("driver", driver))
	return &VideoStore{db: db, dbPath: path, logger: logger}, nil
}

// Close closes the database connection.
func (s *VideoStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *VideoStore) Path() string {
	return s.dbPath
}

// =============================================================================
// QUERIES
// =============================================================================

// VideosInSlantRange returns videos with slant in [q.Low, q.High]. Videos with
// unknown slant never match. With a positive SampleSize the result is a
// uniform random sample of exactly that size, or ErrInsufficientCandidates
// when fewer videos qualify.
func (s *VideoStore) VideosInSlantRange(ctx context.Context, q RangeQuery) ([]types.Video, error) {
	defer metrics.ObserveStore("slant_range", time.Now())

	if q.Low > q.High {
		return nil, fmt.Errorf("invalid slant range [%g, %g]", q.Low, q.High)
	}
	if q.SampleSize < 0 {
		return nil, fmt.Errorf("invalid sample size %d", q.SampleSize)
	}

	query := "SELECT " + videoColumns + " FROM video WHERE slant BETWEEN ? AND ?"
	args := []interface{}{q.Low, q.High}

	if len(q.Exclude) > 0 {
		excluded, err := json.Marshal(q.Exclude)
		if err != nil {
			return nil, fmt.Errorf("encode exclude set: %w", err)
		}
		query += " AND id NOT IN (SELECT value FROM json_each(?))"
		args = append(args, string(excluded))
	}
	if q.ExcludeBlacklisted {
		query += " AND blacklisted = 0"
	}
	if q.SampleSize > 0 {
		query += " ORDER BY RANDOM() LIMIT ?"
		args = append(args, q.SampleSize)
	} else {
		query += " ORDER BY slant, id"
	}

	s.mu.RLock()
	vids, err := s.queryVideos(ctx, query, args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Fetched videos in slant range",
		zap.Float64("low", q.Low), zap.Float64("high", q.High),
		zap.Int("excluded", len(q.Exclude)), zap.Int("count", len(vids)))

	if q.SampleSize > 0 && len(vids) < q.SampleSize {
		return nil, fmt.Errorf("%w: wanted %d in [%g, %g], found %d",
			types.ErrInsufficientCandidates, q.SampleSize, q.Low, q.High, len(vids))
	}
	return vids, nil
}

// GetVideo returns the video with the given id or ErrNotFound.
func (s *VideoStore) GetVideo(ctx context.Context, id string) (types.Video, error) {
	defer metrics.ObserveStore("get_video", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+videoColumns+" FROM video WHERE id = ?", id)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Video{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if err != nil {
		return types.Video{}, fmt.Errorf("failed to get video %s: %w", id, err)
	}
	return v, nil
}

// VideosMissingMetadata returns non-blacklisted videos with a known slant
// that have not been enriched yet.
func (s *VideoStore) VideosMissingMetadata(ctx context.Context) ([]types.Video, error) {
	defer metrics.ObserveStore("missing_metadata", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryVideos(ctx, "SELECT "+videoColumns+` FROM video
		WHERE slant IS NOT NULL AND blacklisted = 0 AND (title IS NULL OR title = '')
		ORDER BY id`)
}

// Stats returns corpus counts.
func (s *VideoStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN blacklisted != 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN title IS NOT NULL AND title != '' THEN 1 ELSE 0 END), 0)
		FROM video`).Scan(&st.Total, &st.Blacklisted, &st.Enriched)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return st, nil
}

func (s *VideoStore) queryVideos(ctx context.Context, query string, args ...interface{}) ([]types.Video, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var vids []types.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		vids = append(vids, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate videos: %w", err)
	}
	return vids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVideo(r rowScanner) (types.Video, error) {
	var (
		v                                    types.Video
		slant                                sql.NullFloat64
		title, channel, desc, tags, category sql.NullString
		blacklisted                          int
	)
	if err := r.Scan(&v.ID, &slant, &title, &channel, &desc, &tags, &category, &blacklisted); err != nil {
		return types.Video{}, err
	}
	if slant.Valid {
		v.Slant = types.SlantOf(slant.Float64)
	}
	v.Title = title.String
	v.Channel = channel.String
	v.Description = desc.String
	v.Category = category.String
	v.Blacklisted = blacklisted != 0
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &v.Tags); err != nil {
			return types.Video{}, fmt.Errorf("decode tags for %s: %w", v.ID, err)
		}
	}
	return v, nil
}

// =============================================================================
// WRITES
// =============================================================================

// UpsertVideos overwrites metadata and blacklist fields of existing rows.
// Rows that do not exist are skipped; slant is never written.
func (s *VideoStore) UpsertVideos(ctx context.Context, videos []types.Video) error {
	defer metrics.ObserveStore("upsert", time.Now())
	if len(videos) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE video
		SET title = ?, channel = ?, description = ?, tags_json = ?, category = ?, blacklisted = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	for _, v := range videos {
		tags, err := encodeTags(v.Tags)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			nullString(v.Title), nullString(v.Channel), nullString(v.Description),
			tags, nullString(v.Category), boolToInt(v.Blacklisted), v.ID); err != nil {
			return fmt.Errorf("failed to update video %s: %w", v.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	s.logger.Info("Updated videos", zap.Int("count", len(videos)))
	return nil
}

// MarkBlacklisted sets the blacklisted flag for every listed id that exists.
// Calling it again with the same ids is a no-op.
func (s *VideoStore) MarkBlacklisted(ctx context.Context, ids []string) error {
	defer metrics.ObserveStore("blacklist", time.Now())
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE video SET blacklisted = 1 WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare blacklist: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to blacklist %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit blacklist: %w", err)
	}
	metrics.RecordBlacklisted(len(ids))
	s.logger.Info("Blacklisted videos", zap.Int("count", len(ids)))
	return nil
}

// BlacklistMissingMetadata blacklists every video that has no title and
// returns the number of rows changed.
func (s *VideoStore) BlacklistMissingMetadata(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE video SET blacklisted = 1 WHERE blacklisted = 0 AND (title IS NULL OR title = '')")
	if err != nil {
		return 0, fmt.Errorf("failed to blacklist empty videos: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metrics.RecordBlacklisted(int(n))
	return n, nil
}

func encodeTags(tags []string) (interface{}, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
