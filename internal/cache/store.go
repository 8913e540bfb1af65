package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/imgforge/internal/core"
)

// MetricsRecorder is the narrow slice of metrics.Metrics the Store reports
// against, kept as a local interface so this package doesn't import
// internal/metrics directly and every metrics hook is a plain no-op until
// SetMetrics is called.
type MetricsRecorder interface {
	IncCacheHit()
	IncCacheMiss()
	IncCacheEviction()
	SetCacheSizeBytes(n int64)
}

type noopMetrics struct{}

func (noopMetrics) IncCacheHit()             {}
func (noopMetrics) IncCacheMiss()            {}
func (noopMetrics) IncCacheEviction()        {}
func (noopMetrics) SetCacheSizeBytes(n int64) {}

// Producer performs the actual codec call on a cache miss (spec §4.1,
// glossary "Producer").
type Producer func() ([]byte, core.ArtifactMetadata, error)

// Config bounds the Store's retained size (spec §3 invariant).
type Config struct {
	MaxBytes      int64
	MaxEntries    int
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// index is the Store's own bookkeeping of what's live, independent of the
// Backend — eviction decisions never touch backend internals.
type index struct {
	sizeBytes      int64
	createdAt      time.Time
	lastAccessedAt time.Time
	referenced     int // count of in-flight GetOrCompute callers currently reading/writing this key
}

// inflight is the coalescing record for one fingerprint's pending producer
// call, shaped after the retrieval pack's ImageProcessor.activeJobs Job{Done
// chan struct{}} pattern: the first caller for a key runs the producer and
// everyone else blocks on done.
type inflight struct {
	done     chan struct{}
	artifact []byte
	meta     core.ArtifactMetadata
	err      error
}

// Stats is the snapshot returned by Store.Stats (spec §4.1).
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Evictions int64 `json:"evictions"`
}

// Store is the Conversion Cache: content-addressed get-or-compute with
// at-most-one concurrent producer per fingerprint, LRU eviction, and a
// pluggable persistence Backend.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	cfg      Config
	entries  map[string]*index
	inflight map[string]*inflight

	hits, misses, evictions int64

	metrics   MetricsRecorder
	stopSweep chan struct{}
}

// NewStore wires a Backend behind coalescing + eviction logic and starts the
// periodic sweep goroutine, mirroring the ticker-goroutine shape of the
// teacher's middleware.RateLimiter.cleanup().
func NewStore(backend Backend, cfg Config) *Store {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	s := &Store{
		backend:   backend,
		cfg:       cfg,
		entries:   make(map[string]*index),
		inflight:  make(map[string]*inflight),
		metrics:   noopMetrics{},
		stopSweep: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// SetMetrics wires a metrics recorder; call once at composition time. Nil
// is ignored, keeping the no-op default.
func (s *Store) SetMetrics(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// Close stops the background sweep goroutine.
func (s *Store) Close() {
	close(s.stopSweep)
}

// GetOrCompute returns the cached artifact for fingerprint, computing it via
// producer on a miss. Concurrent callers for the same fingerprint share one
// producer invocation (spec §4.1, §8 invariant 4).
func (s *Store) GetOrCompute(ctx context.Context, fingerprint string, producer Producer) ([]byte, core.ArtifactMetadata, bool, error) {
	s.mu.Lock()
	if idx, ok := s.entries[fingerprint]; ok {
		idx.referenced++
		s.mu.Unlock()

		artifact, meta, found, err := s.backend.Get(ctx, fingerprint)
		s.mu.Lock()
		idx.referenced--
		if err != nil || !found {
			// Backend failure or the entry vanished underneath us — treat as
			// a miss and fall through to recompute (spec §4.1 "Failure").
			delete(s.entries, fingerprint)
			s.mu.Unlock()
		} else {
			idx.lastAccessedAt = time.Now()
			s.hits++
			s.mu.Unlock()
			s.metrics.IncCacheHit()
			return artifact, toCoreMeta(meta), true, nil
		}
	} else {
		s.mu.Unlock()
	}

	return s.computeOrJoin(ctx, fingerprint, producer)
}

func (s *Store) computeOrJoin(ctx context.Context, fingerprint string, producer Producer) ([]byte, core.ArtifactMetadata, bool, error) {
	s.mu.Lock()
	if inf, ok := s.inflight[fingerprint]; ok {
		s.mu.Unlock()
		<-inf.done
		return inf.artifact, inf.meta, false, inf.err
	}

	inf := &inflight{done: make(chan struct{})}
	s.inflight[fingerprint] = inf
	s.misses++
	s.mu.Unlock()
	s.metrics.IncCacheMiss()

	artifact, meta, err := producer()

	s.mu.Lock()
	delete(s.inflight, fingerprint)
	if err == nil {
		s.entries[fingerprint] = &index{
			sizeBytes:      int64(len(artifact)),
			createdAt:      time.Now(),
			lastAccessedAt: time.Now(),
		}
	}
	s.mu.Unlock()

	inf.artifact, inf.meta, inf.err = artifact, meta, err
	close(inf.done)

	if err == nil {
		// Backend write failures are swallowed: the entry is still usable
		// for this request, future lookups simply miss again (spec §4.1).
		_ = s.backend.Put(ctx, fingerprint, artifact, fromCoreMeta(meta))
		s.evictIfNeeded(ctx)
	}

	return artifact, meta, false, err
}

// Invalidate removes a single entry.
func (s *Store) Invalidate(ctx context.Context, fingerprint string) {
	s.mu.Lock()
	delete(s.entries, fingerprint)
	s.mu.Unlock()
	_ = s.backend.Delete(ctx, fingerprint)
}

// Clear removes every entry and reports how many were removed and how many
// bytes were freed.
func (s *Store) Clear(ctx context.Context) (count int, freedBytes int64) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key, idx := range s.entries {
		freedBytes += idx.sizeBytes
		count++
		keys = append(keys, key)
		delete(s.entries, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		_ = s.backend.Delete(ctx, key)
	}
	return count, freedBytes
}

// Stats returns a point-in-time snapshot (spec §4.1).
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var size int64
	for _, idx := range s.entries {
		size += idx.sizeBytes
	}
	s.metrics.SetCacheSizeBytes(size)
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Entries:   len(s.entries),
		SizeBytes: size,
		MaxBytes:  s.cfg.MaxBytes,
		Evictions: s.evictions,
	}
}

// evictIfNeeded runs LRU eviction among non-referenced entries until the
// budget is satisfied (spec §4.1 Eviction, §8 invariant 3). Must be called
// without s.mu held.
func (s *Store) evictIfNeeded(ctx context.Context) {
	for {
		s.mu.Lock()
		var totalSize int64
		for _, idx := range s.entries {
			totalSize += idx.sizeBytes
		}
		overBudget := (s.cfg.MaxBytes > 0 && totalSize > s.cfg.MaxBytes) ||
			(s.cfg.MaxEntries > 0 && len(s.entries) > s.cfg.MaxEntries)
		if !overBudget {
			s.mu.Unlock()
			return
		}

		victim, ok := s.oldestUnreferenced()
		if !ok {
			s.mu.Unlock()
			return
		}
		delete(s.entries, victim)
		s.evictions++
		s.mu.Unlock()
		s.metrics.IncCacheEviction()

		_ = s.backend.Delete(ctx, victim)
	}
}

// oldestUnreferenced must be called with s.mu held.
func (s *Store) oldestUnreferenced() (string, bool) {
	var victim string
	var oldest time.Time
	found := false
	for key, idx := range s.entries {
		if idx.referenced > 0 {
			continue
		}
		if !found || idx.lastAccessedAt.Before(oldest) {
			victim, oldest, found = key, idx.lastAccessedAt, true
		}
	}
	return victim, found
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepAged()
		}
	}
}

func (s *Store) sweepAged() {
	if s.cfg.MaxAge <= 0 {
		return
	}
	ctx := context.Background()
	cutoff := time.Now().Add(-s.cfg.MaxAge)

	s.mu.Lock()
	var stale []string
	for key, idx := range s.entries {
		if idx.referenced == 0 && idx.createdAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(s.entries, key)
		s.evictions++
	}
	s.mu.Unlock()

	for _, key := range stale {
		_ = s.backend.Delete(ctx, key)
	}
}

func toCoreMeta(m Metadata) core.ArtifactMetadata {
	return core.ArtifactMetadata{
		OriginalFormat:  m.OriginalFormat,
		ProcessedFormat: m.ProcessedFormat,
		Width:           m.Width,
		Height:          m.Height,
		ByteSize:        m.ByteSize,
	}
}

func fromCoreMeta(m core.ArtifactMetadata) Metadata {
	return Metadata{
		OriginalFormat:  m.OriginalFormat,
		ProcessedFormat: m.ProcessedFormat,
		Width:           m.Width,
		Height:          m.Height,
		ByteSize:        m.ByteSize,
		CreatedAt:       time.Now(),
	}
}
