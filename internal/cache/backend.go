// Package cache implements the Conversion Cache (spec §4.1): a
// content-addressed fingerprint -> artifact map with at-most-one
// concurrent producer per key, LRU-by-age eviction, and a pluggable
// persistence backend.
//
// The coalescing shape is grounded on the retrieval pack's
// ImageProcessor.activeJobs pattern (a map of in-flight jobs, each exposing
// a Done channel that followers wait on); the backend-independence of
// eviction is grounded on the teacher's narrow adapter interfaces
// (internal/infra.GoRedisAdapter implementing a small method set consumed
// by higher-level code that never branches on which backend it got).
package cache

import (
	"context"
	"time"
)

// Metadata is what the backend stores alongside the artifact bytes.
type Metadata struct {
	OriginalFormat  string
	ProcessedFormat string
	Width           int
	Height          int
	ByteSize        int
	CreatedAt       time.Time
}

// Backend is the narrow persistence trait of spec §4.1: cache semantics
// (coalescing, eviction policy, LRU bookkeeping) live entirely in Store and
// never depend on which Backend is wired in — a Backend is just bytes in,
// bytes out.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, Metadata, bool, error)
	Put(ctx context.Context, key string, artifact []byte, meta Metadata) error
	Delete(ctx context.Context, key string) error
}
