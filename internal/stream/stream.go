// Package stream provides the ordered event log backing async job
// channels.
package stream

import (
	"context"
	"time"
)

// Range sentinels addressing the whole log, and the tail marker for
// blocking reads.
const (
	RangeStart = "-"
	RangeEnd   = "+"
	TailID     = "$"
)

// Entry is one record of an event log.
type Entry struct {
	ID     string
	Values map[string]string
}

// Store is an append-only, id-ordered event log with bounded range
// reads. Implementations preserve insertion order and assign
// monotonically increasing entry ids.
type Store interface {
	// Range returns up to count entries with ids between start and end
	// inclusive, in ascending order.
	Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error)
	// Append adds one entry and trims the log to roughly maxLen entries.
	// It returns the assigned entry id.
	Append(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error)
	// Read blocks up to block waiting for entries after afterID. A nil
	// slice with a nil error means the wait timed out.
	Read(ctx context.Context, stream, afterID string, count int64, block time.Duration) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}
