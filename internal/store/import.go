package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"bubbledrift/internal/metrics"

	"go.uber.org/zap"
)

// ImportCSV seeds the store from a slant-estimation table with a header row
// naming a "video_id" (or "id") column and a "slant" column. Rows whose id
// already exists are left untouched. An empty slant cell imports the video
// with unknown slant. Returns the number of rows inserted.
func (s *VideoStore) ImportCSV(ctx context.Context, r io.Reader) (int, error) {
	defer metrics.ObserveStore("import", time.Now())

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read csv header: %w", err)
	}
	idCol, slantCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "video_id", "id":
			if idCol < 0 {
				idCol = i
			}
		case "slant":
			slantCol = i
		}
	}
	if idCol < 0 || slantCol < 0 {
		return 0, fmt.Errorf("csv header must contain video_id and slant columns, got %v", header)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO video (id, slant) VALUES (?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return 0, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}

		id := strings.TrimSpace(record[idCol])
		if id == "" {
			continue
		}
		var slant interface{}
		if raw := strings.TrimSpace(record[slantCol]); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid slant %q on line %d: %w", raw, line, err)
			}
			slant = v
		}

		res, err := stmt.ExecContext(ctx, id, slant)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	s.logger.Info("Imported slant estimations", zap.Int("inserted", inserted), zap.Int("rows", line-1))
	return inserted, nil
}

// ImportCSVFile opens path and imports it with ImportCSV.
func (s *VideoStore) ImportCSVFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return s.ImportCSV(ctx, f)
}
