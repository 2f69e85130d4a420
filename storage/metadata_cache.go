package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

// CachedMetadata is the part of an image's metadata worth persisting.
type CachedMetadata struct {
	Width       int
	Height      int
	FileSize    int64
	Format      string
	Orientation int
}

// CacheStats is reported by /status and /cache endpoints.
type CacheStats struct {
	EntryCount int `json:"entry_count"`
	MaxEntries int `json:"max_entries"`
}

// MetadataCache persists image headers across runs, keyed by absolute path
// and validated against the file's modification time.
type MetadataCache struct {
	db         *sql.DB
	maxEntries int
	writer     *accessWriter

	// evictMu serializes upsert+evict so two concurrent Sets cannot both
	// count the table before either deletes.
	evictMu sync.Mutex
	now     func() time.Time
}

// NewMetadataCache wraps an opened database. maxEntries < 1 is treated as 1.
func NewMetadataCache(ctx context.Context, db *sql.DB, maxEntries int) *MetadataCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &MetadataCache{
		db:         db,
		maxEntries: maxEntries,
		writer:     newAccessWriter(ctx, db),
		now:        time.Now,
	}
}

func formatModTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Get returns the cached row for path when its stored modification time
// matches lastModified. A mismatching row is stale and is deleted.
func (c *MetadataCache) Get(ctx context.Context, path string, lastModified time.Time) (CachedMetadata, bool, error) {
	ctx = ensureContext(ctx)

	var (
		m      CachedMetadata
		stored string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT width, height, file_size, format, orientation, last_modified
		FROM image_metadata WHERE file_path = ?;
	`, path).Scan(&m.Width, &m.Height, &m.FileSize, &m.Format, &m.Orientation, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedMetadata{}, false, nil
	}
	if err != nil {
		return CachedMetadata{}, false, fmt.Errorf("cache query failed: %w", err)
	}

	if stored != formatModTime(lastModified) {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM image_metadata WHERE file_path = ?;`, path); err != nil {
			return CachedMetadata{}, false, fmt.Errorf("failed to delete stale entry: %w", err)
		}
		logger.Debugf("Dropped stale cache entry for %s", path)
		return CachedMetadata{}, false, nil
	}

	c.writer.Touch(path, c.now())
	if m.Orientation < 1 || m.Orientation > 8 {
		m.Orientation = 1
	}
	return m, true, nil
}

// Set upserts the row for path and evicts least recently accessed rows
// beyond maxEntries.
func (c *MetadataCache) Set(ctx context.Context, path string, lastModified time.Time, m CachedMetadata) error {
	ctx = ensureContext(ctx)

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO image_metadata (
			file_path, last_modified, width, height, file_size, format, orientation, last_accessed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			last_modified = excluded.last_modified,
			width = excluded.width,
			height = excluded.height,
			file_size = excluded.file_size,
			format = excluded.format,
			orientation = excluded.orientation,
			last_accessed = excluded.last_accessed;
	`, path, formatModTime(lastModified), m.Width, m.Height, m.FileSize, m.Format, m.Orientation, c.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}

	return c.evictIfNeeded(ctx)
}

func (c *MetadataCache) evictIfNeeded(ctx context.Context) error {
	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_metadata;`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count entries: %w", err)
	}
	if count <= c.maxEntries {
		return nil
	}

	// Pending touches decide who is least recently used.
	if err := c.writer.Sync(); err != nil {
		logger.Warnf("Failed to sync access times before eviction: %v", err)
	}

	toDelete := count - c.maxEntries
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM image_metadata WHERE file_path IN (
			SELECT file_path FROM image_metadata ORDER BY last_accessed ASC, file_path ASC LIMIT ?
		);
	`, toDelete); err != nil {
		return fmt.Errorf("failed to evict entries: %w", err)
	}
	logger.Debugf("Evicted %d old cache entries (LRU)", toDelete)
	return nil
}

// Delete removes path from the cache.
func (c *MetadataCache) Delete(ctx context.Context, path string) error {
	ctx = ensureContext(ctx)
	_, err := c.db.ExecContext(ctx, `DELETE FROM image_metadata WHERE file_path = ?;`, path)
	return err
}

func (c *MetadataCache) Stats(ctx context.Context) (CacheStats, error) {
	ctx = ensureContext(ctx)
	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_metadata;`).Scan(&count); err != nil {
		return CacheStats{}, fmt.Errorf("failed to count entries: %w", err)
	}
	return CacheStats{EntryCount: count, MaxEntries: c.maxEntries}, nil
}

// Clear removes every row.
func (c *MetadataCache) Clear(ctx context.Context) error {
	ctx = ensureContext(ctx)
	if err := c.writer.Sync(); err != nil {
		logger.Warnf("Failed to sync access times before clear: %v", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM image_metadata;`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `PRAGMA incremental_vacuum;`); err != nil {
		logger.Warnf("Incremental vacuum failed after clear: %v", err)
	}
	logger.Infof("Metadata cache cleared")
	return nil
}

// Flush writes pending access times and checkpoints the WAL into the main
// database file.
func (c *MetadataCache) Flush(ctx context.Context) error {
	if err := c.writer.Sync(); err != nil {
		return fmt.Errorf("failed to write access times: %w", err)
	}
	stats, err := WALCheckpointTruncate(ctx, c.db)
	if err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	logger.Debugf("Cache flushed to disk (log=%d checkpointed=%d in %v)", stats.Log, stats.Checkpointed, stats.Duration)
	return nil
}

// Close stops the access writer. The database itself is owned by the caller.
func (c *MetadataCache) Close() error {
	return c.writer.Close()
}

// DB returns the underlying database for maintenance tasks.
func (c *MetadataCache) DB() *sql.DB {
	return c.db
}
