package wal

import "time"

// SyncPolicy selects the durability strategy.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every write. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval fsyncs periodically from a background goroutine.
	SyncInterval

	// SyncBatch fsyncs once the unsynced buffer reaches SyncBatchBytes.
	SyncBatch
)

// Options configures a WALWriter.
type Options struct {
	// DirPath is the directory holding this WAL's segment files.
	DirPath string

	// BufferSize is the bufio buffer size between writes and the OS.
	BufferSize int

	SyncPolicy SyncPolicy

	// SyncIntervalDuration is the tick period for SyncInterval.
	SyncIntervalDuration time.Duration

	// SyncBatchBytes is the unsynced-byte threshold for SyncBatch.
	SyncBatchBytes int64
}

// DefaultOptions returns a conservative, safe-by-default configuration.
func DefaultOptions() Options {
	return Options{
		DirPath:              "./wal_data",
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
