package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteDriver is the database/sql driver name registered by modernc.org/sqlite.
const SQLiteDriver = "sqlite"

// OpenSQLite opens (or creates) the SQLite database at path. ":memory:" and
// "mode=memory" DSNs are pinned to a single connection so every caller sees
// the same database.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	memory := isMemoryDSN(path)
	if !memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}

	dbx, err := sqlx.Open(SQLiteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if memory {
		dbx.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := dbx.ExecContext(ctx, pragma); err != nil {
			_ = dbx.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if err := dbx.PingContext(ctx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return dbx, nil
}

func isMemoryDSN(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
