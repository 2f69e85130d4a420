package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mordilloSan/go_logger/logger"
)

const (
	defaultDBPath = "metadata_cache.db"
	busyTimeoutMS = 5000
	schemaTimeout = 30 * time.Second
)

// Open creates (or reuses) a SQLite database and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = defaultDBPath
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	// WAL lets the UI read while the loader writes.
	// synchronous=OFF: the cache can always be rebuilt from the files.
	// auto_vacuum=INCREMENTAL to reclaim space after LRU eviction.
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=OFF&_auto_vacuum=INCREMENTAL", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode=WAL;`).Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// OpenWithIntegrityCheck opens path and, if the file already existed, runs
// PRAGMA integrity_check. A corrupted database is removed together with its
// WAL files and recreated empty. The returned bool reports whether the
// existing contents were kept.
func OpenWithIntegrityCheck(path string) (*sql.DB, bool, error) {
	existed := fileExists(path)
	if existed {
		logger.Infof("Database exists at %s; checking integrity", path)
	} else {
		logger.Infof("Database not found; creating new at %s", path)
	}

	db, err := Open(path)
	if err != nil {
		if !existed {
			return nil, false, err
		}
		// Open itself can fail on a file that is not a database at all.
		logger.Warnf("Failed to open existing database: %v", err)
		return recreate(path)
	}

	if existed {
		if err := CheckIntegrity(db); err != nil {
			logger.Warnf("Database corruption detected: %v", err)
			if closeErr := db.Close(); closeErr != nil {
				logger.Warnf("Failed to close corrupted database: %v", closeErr)
			}
			return recreate(path)
		}
		logger.Infof("Database integrity check passed")
	}

	return db, existed, nil
}

func recreate(path string) (*sql.DB, bool, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to remove corrupted database: %w", err)
	}
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	db, err := Open(path)
	if err != nil {
		return nil, false, err
	}
	logger.Infof("New database created at %s", path)
	return db, false, nil
}

// CheckIntegrity runs SQLite's integrity_check.
func CheckIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow(`PRAGMA integrity_check;`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// GetJournalMode returns the SQLite journal mode for the provided database.
func GetJournalMode(ctx context.Context, db *sql.DB) (string, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return "", fmt.Errorf("db is nil")
	}

	var mode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS image_metadata (
			file_path TEXT PRIMARY KEY,
			last_modified TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			file_size INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL
		);
	`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_last_accessed ON image_metadata(last_accessed);
	`); err != nil {
		return err
	}

	// Columns added after the first release; older cache files get them here.
	if err := ensureColumn(ctx, db, "image_metadata", "format", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(ctx, db, "image_metadata", "orientation", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}

	return nil
}

func ensureColumn(ctx context.Context, db *sql.DB, table, column, definition string) error {
	query := fmt.Sprintf(`PRAGMA table_info(%s);`, table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, definition)
	_, err = db.ExecContext(ctx, stmt)
	return err
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// ReleaseSQLiteMemory forces SQLite to release cached memory.
func ReleaseSQLiteMemory(ctx context.Context, db *sql.DB) error {
	ctx = ensureContext(ctx)

	if _, err := db.ExecContext(ctx, `PRAGMA shrink_memory;`); err != nil {
		logger.Warnf("Failed to shrink SQLite memory: %v", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA optimize;`); err != nil {
		logger.Warnf("Failed to optimize SQLite: %v", err)
	}

	return nil
}
