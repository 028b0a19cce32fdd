package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Schema versions (PRAGMA user_version):
// v0: legacy corpus: tags, blacklist columns
// v1: tags_json, blacklisted columns
const CurrentSchemaVersion = 1

// Migration adds a column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string

	// Backfill runs once after the column is added, when From exists.
	// BackfillFunc is used for conversions SQL cannot express.
	From         string
	Backfill     string
	BackfillFunc func(ctx context.Context, tx *sql.Tx) error
}

// pendingMigrations bring databases created by earlier tooling up to the
// current video schema.
var pendingMigrations = []Migration{
	{Table: "video", Column: "description", Def: "TEXT"},
	{Table: "video", Column: "category", Def: "TEXT"},
	{
		Table: "video", Column: "tags_json", Def: "TEXT",
		From:         "tags",
		BackfillFunc: backfillTags,
	},
	{
		Table: "video", Column: "blacklisted", Def: "INTEGER NOT NULL DEFAULT 0",
		From:     "blacklist",
		Backfill: "UPDATE video SET blacklisted = 1 WHERE blacklist = 1",
	},
}

// MigrationResult holds the result of a migration run.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Applied     []string
}

// RunMigrations applies pending column migrations inside one transaction
// and stamps the schema version.
func RunMigrations(ctx context.Context, db *sql.DB, logger *zap.Logger) (MigrationResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return MigrationResult{}, fmt.Errorf("read schema version: %w", err)
	}
	result := MigrationResult{FromVersion: version, ToVersion: version}
	if version >= CurrentSchemaVersion {
		return result, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	for _, m := range pendingMigrations {
		exists, err := columnExists(ctx, tx, m.Table, m.Column)
		if err != nil {
			return result, err
		}
		if exists {
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return result, fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		result.Applied = append(result.Applied, m.Table+"."+m.Column)

		if m.From == "" {
			continue
		}
		legacy, err := columnExists(ctx, tx, m.Table, m.From)
		if err != nil {
			return result, err
		}
		if !legacy {
			continue
		}
		if m.BackfillFunc != nil {
			err = m.BackfillFunc(ctx, tx)
		} else {
			_, err = tx.ExecContext(ctx, m.Backfill)
		}
		if err != nil {
			return result, fmt.Errorf("backfill %s.%s from %s: %w", m.Table, m.Column, m.From, err)
		}
	}

	// PRAGMA does not accept bound parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
		return result, fmt.Errorf("stamp schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return result, err
	}

	result.ToVersion = CurrentSchemaVersion
	logger.Info("Schema migrations complete",
		zap.Int("from", result.FromVersion), zap.Int("to", result.ToVersion), zap.Strings("applied", result.Applied))
	return result, nil
}

// backfillTags converts the legacy comma-joined tags column to a JSON array.
func backfillTags(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, "SELECT id, tags FROM video WHERE tags IS NOT NULL AND tags != ''")
	if err != nil {
		return err
	}
	converted := make(map[string]string)
	for rows.Next() {
		var id, tags string
		if err := rows.Scan(&id, &tags); err != nil {
			rows.Close()
			return err
		}
		data, err := json.Marshal(strings.Split(tags, ","))
		if err != nil {
			rows.Close()
			return err
		}
		converted[id] = string(data)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for id, tags := range converted {
		if _, err := tx.ExecContext(ctx, "UPDATE video SET tags_json = ? WHERE id = ?", tags, id); err != nil {
			return err
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(ctx context.Context, q queryer, table, column string) (bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
