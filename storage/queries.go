package storage

import (
	"context"
	"os"
)

// DiskStats reports the cache database's footprint.
type DiskStats struct {
	Journal      string `json:"journal_mode"`
	DatabaseSize int64  `json:"database_size"`
	WALSize      int64  `json:"wal_size"`
	SHMSize      int64  `json:"shm_size"`
	TotalOnDisk  int64  `json:"total_on_disk"`
}

// GetDiskStats reads the journal mode and the on-disk sizes of the database
// file and its WAL companions.
func (c *MetadataCache) GetDiskStats(ctx context.Context, dbPath string) DiskStats {
	var stats DiskStats
	if mode, err := GetJournalMode(ctx, c.db); err == nil {
		stats.Journal = mode
	}
	if dbPath == "" {
		return stats
	}
	if fi, err := os.Stat(dbPath); err == nil {
		stats.DatabaseSize = fi.Size()
	}
	if fi, err := os.Stat(dbPath + "-wal"); err == nil {
		stats.WALSize = fi.Size()
	}
	if fi, err := os.Stat(dbPath + "-shm"); err == nil {
		stats.SHMSize = fi.Size()
	}
	stats.TotalOnDisk = stats.DatabaseSize + stats.WALSize + stats.SHMSize
	return stats
}
