package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

type WALCheckpointStats struct {
	Busy         int
	Log          int
	Checkpointed int
	Duration     time.Duration
}

// WALCheckpointTruncate checkpoints the WAL and truncates the -wal file.
// This helps prevent unbounded WAL growth in long-running processes.
func WALCheckpointTruncate(ctx context.Context, db *sql.DB) (WALCheckpointStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return WALCheckpointStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	var stats WALCheckpointStats
	err := db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`).Scan(&stats.Busy, &stats.Log, &stats.Checkpointed)
	stats.Duration = time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		return WALCheckpointStats{}, err
	}
	return stats, nil
}

type VacuumStats struct {
	Duration time.Duration
}

// Vacuum rebuilds the SQLite database file to reclaim free space.
// Note: VACUUM requires an exclusive lock.
func Vacuum(ctx context.Context, db *sql.DB) (VacuumStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return VacuumStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	if _, err := db.ExecContext(ctx, `VACUUM;`); err != nil {
		return VacuumStats{}, err
	}
	return VacuumStats{Duration: time.Since(start).Truncate(time.Millisecond)}, nil
}

// PruneStats holds statistics about the pruning operation
type PruneStats struct {
	Checked  int
	Deleted  int64
	Duration time.Duration
}

// PruneMissing deletes cache rows whose file no longer exists on disk.
func PruneMissing(ctx context.Context, db *sql.DB) (PruneStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return PruneStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	var stats PruneStats

	rows, err := db.QueryContext(ctx, `SELECT file_path FROM image_metadata;`)
	if err != nil {
		return PruneStats{}, fmt.Errorf("list cached paths: %w", err)
	}
	var missing []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			_ = rows.Close()
			return PruneStats{}, err
		}
		stats.Checked++
		if _, err := os.Stat(path); os.IsNotExist(err) {
			missing = append(missing, path)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return PruneStats{}, err
	}
	_ = rows.Close()

	if len(missing) > 0 {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return PruneStats{}, err
		}
		for _, path := range missing {
			res, err := tx.ExecContext(ctx, `DELETE FROM image_metadata WHERE file_path = ?;`, path)
			if err != nil {
				_ = tx.Rollback()
				return PruneStats{}, fmt.Errorf("delete %s: %w", path, err)
			}
			n, _ := res.RowsAffected()
			stats.Deleted += n
		}
		if err := tx.Commit(); err != nil {
			return PruneStats{}, err
		}

		if _, err := db.ExecContext(ctx, `PRAGMA incremental_vacuum;`); err != nil {
			logger.Warnf("Incremental vacuum failed after pruning: %v", err)
		}
	}

	stats.Duration = time.Since(start).Truncate(time.Millisecond)
	return stats, nil
}

// RunMaintenance prunes rows for deleted files, checkpoints the WAL and
// releases SQLite page cache. Used by the daemon's scheduler.
func RunMaintenance(ctx context.Context, db *sql.DB) error {
	pruned, err := PruneMissing(ctx, db)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if pruned.Deleted > 0 {
		logger.Infof("Pruned %d of %d cached entries for missing files in %v", pruned.Deleted, pruned.Checked, pruned.Duration)
	}
	wal, err := WALCheckpointTruncate(ctx, db)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	logger.Debugf("WAL checkpoint busy=%d log=%d checkpointed=%d in %v", wal.Busy, wal.Log, wal.Checkpointed, wal.Duration)
	return ReleaseSQLiteMemory(ctx, db)
}
