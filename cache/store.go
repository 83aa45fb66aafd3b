package cache

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"gorm.io/gorm"

	"github.com/resono-audio/resono/config"
	"github.com/resono-audio/resono/observability"
	"github.com/resono-audio/resono/pkg/format"
)

// SetOptions carries optional attributes for Set.
type SetOptions struct {
	// Tags label the entry for grouped querying and cleanup.
	Tags []string
	// Custom is caller-defined metadata stored with the entry.
	Custom Metadata
	// Processed marks the chunk sequence as post-processed output.
	Processed bool
}

// CleanupPolicy selects entries for removal. See Cleanup.
type CleanupPolicy struct {
	// MaxAge prunes entries older than this. Zero disables the age condition.
	MaxAge time.Duration
	// MinAccessCount prunes entries read fewer times than this. Zero disables
	// the access-count condition.
	MinAccessCount int64
	// Tags restricts pruning to entries carrying at least one of these tags.
	Tags []string
	// ExcludeTags protects entries carrying any of these tags.
	ExcludeTags []string
	// MaxEntries caps the surviving entry count, evicting lowest access count
	// first, then oldest. Zero disables the cap.
	MaxEntries int
}

// TagStats aggregates entries sharing one tag.
type TagStats struct {
	Count int
	Size  int64
}

// Stats is a snapshot of cache usage.
type Stats struct {
	EntryCount     int
	TotalSize      int64
	AvailableQuota uint64
	UsedQuota      uint64
	HitRatio       float64
	ByTag          map[string]TagStats
}

// Store is a content-keyed cache of chunk sequences: an in-memory hot layer
// over a durable database. All methods are safe for concurrent use.
type Store struct {
	cfg     config.CacheConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	db          *gorm.DB
	initialized bool
	initErr     error
	initCh      chan struct{} // non-nil while an initialization is in flight
	index       map[string]*Entry
	hot         map[string][][]byte
	accesses    int64
	hits        int64
}

// NewStore creates a Store. Initialize must succeed before other operations.
// metrics may be nil.
func NewStore(cfg config.CacheConfig, logger *slog.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Store{
		cfg:     cfg,
		logger:  observability.WithComponent(logger, "cache"),
		metrics: metrics,
		index:   make(map[string]*Entry),
		hot:     make(map[string][][]byte),
	}
}

// Initialize opens the durable connection, hydrates the in-memory index, and
// logs usage stats. It is idempotent; concurrent calls share one in-flight
// initialization. After a failure, a later call retries from scratch.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	if s.initCh != nil {
		ch := s.initCh
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.initialized {
			return nil
		}
		return opError("initialize", "", s.initErr)
	}
	ch := make(chan struct{})
	s.initCh = ch
	s.mu.Unlock()

	db, index, err := s.openAndHydrate(ctx)

	s.mu.Lock()
	if err == nil {
		s.db = db
		s.index = index
		s.initialized = true
	}
	s.initErr = err
	s.initCh = nil
	s.mu.Unlock()
	close(ch)

	if err != nil {
		return opError("initialize", "", err)
	}
	return nil
}

// openAndHydrate opens the database and loads entry metadata (not chunk data)
// into a fresh index.
func (s *Store) openAndHydrate(ctx context.Context) (*gorm.DB, map[string]*Entry, error) {
	done := observability.TimedOperation(ctx, s.logger, "initialize_cache")
	defer done()

	db, err := openDatabase(s.cfg, s.logger)
	if err != nil {
		return nil, nil, err
	}

	var entries []*Entry
	if err := db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	index := make(map[string]*Entry, len(entries))
	var totalSize int64
	for _, e := range entries {
		index[e.ID] = e
		totalSize += e.OriginalSize
	}

	s.logger.Info("cache hydrated",
		slog.String("entries", format.Number(int64(len(entries)))),
		slog.String("total_size", format.Bytes(totalSize)),
	)
	return db, index, nil
}

// handle returns the database handle, or an error while uninitialized.
func (s *Store) handle(op, id string) (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, opError(op, id, ErrNotInitialized)
	}
	return s.db, nil
}

// Get returns the chunk sequence and mime type for id, or (nil, "", nil) on a
// miss. Every call counts toward the access total; hits additionally bump the
// hit counter and the entry's durable access count.
func (s *Store) Get(ctx context.Context, id string) ([][]byte, string, error) {
	entry, err := s.getEntry(ctx, id)
	if err != nil || entry == nil {
		return nil, "", err
	}
	return entry.ChunkData(), entry.MimeType, nil
}

// GetEntry is like Get but returns the full entry, chunks loaded.
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	return s.getEntry(ctx, id)
}

func (s *Store) getEntry(ctx context.Context, id string) (*Entry, error) {
	db, err := s.handle("get", id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.accesses++
	meta, known := s.index[id]
	var chunks [][]byte
	if known {
		chunks = s.hot[id]
	}
	s.mu.Unlock()

	if !known {
		s.metrics.CacheMisses.Inc()
		return nil, nil
	}

	if chunks == nil {
		// Promote from the durable layer.
		var rows []Chunk
		if err := db.WithContext(ctx).Where("entry_id = ?", id).Order("seq ASC").Find(&rows).Error; err != nil {
			return nil, opError("get", id, err)
		}
		chunks = make([][]byte, len(rows))
		for i, row := range rows {
			chunks[i] = row.Data
		}
		s.mu.Lock()
		s.hot[id] = chunks
		s.mu.Unlock()
	}

	if err := db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).
		UpdateColumn("access_count", gorm.Expr("access_count + 1")).Error; err != nil {
		return nil, opError("get", id, err)
	}

	s.mu.Lock()
	s.hits++
	meta.AccessCount++
	result := &Entry{
		ID:           meta.ID,
		MimeType:     meta.MimeType,
		CachedAt:     meta.CachedAt,
		OriginalSize: meta.OriginalSize,
		Processed:    meta.Processed,
		AccessCount:  meta.AccessCount,
		Tags:         meta.Tags,
		Custom:       meta.Custom,
	}
	s.mu.Unlock()

	result.Chunks = make([]Chunk, len(chunks))
	for i, data := range chunks {
		result.Chunks[i] = Chunk{EntryID: id, Seq: i, Data: data}
	}

	s.metrics.CacheHits.Inc()
	return result, nil
}

// Set stores a chunk sequence under id, overwriting any prior entry. The
// write is transactional: a concurrent Get never observes a half-written
// record.
func (s *Store) Set(ctx context.Context, id string, chunks [][]byte, mimeType string, opts SetOptions) error {
	db, err := s.handle("set", id)
	if err != nil {
		return err
	}

	var totalSize int64
	copied := make([][]byte, len(chunks))
	for i, c := range chunks {
		totalSize += int64(len(c))
		copied[i] = append([]byte(nil), c...)
	}

	if limit := s.cfg.MaxEntrySize.Bytes(); limit > 0 && totalSize > limit {
		return opError("set", id, ErrEntryTooLarge)
	}

	entry := &Entry{
		ID:           id,
		MimeType:     mimeType,
		CachedAt:     time.Now().UTC(),
		OriginalSize: totalSize,
		Processed:    opts.Processed,
		AccessCount:  0,
		Tags:         opts.Tags,
		Custom:       opts.Custom,
	}
	rows := make([]Chunk, len(copied))
	for i, data := range copied {
		rows[i] = Chunk{EntryID: id, Seq: i, Data: data}
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entry_id = ?", id).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&Entry{}).Error; err != nil {
			return err
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return opError("set", id, err)
	}

	s.mu.Lock()
	s.index[id] = entry
	s.hot[id] = copied
	s.mu.Unlock()

	s.metrics.CacheWrites.Inc()
	s.logger.Debug("cached payload",
		slog.String("id", id),
		slog.String("mime_type", mimeType),
		slog.String("size", format.Bytes(totalSize)),
		slog.Int("chunks", len(copied)),
	)
	return nil
}

// Has reports whether id is cached. The in-memory fast path does not count as
// an access; the durable fallback delegates to Get and therefore does.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, known := s.index[id]
	initialized := s.initialized
	s.mu.Unlock()

	if known {
		return true, nil
	}
	if !initialized {
		return false, opError("has", id, ErrNotInitialized)
	}

	entry, err := s.getEntry(ctx, id)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Delete removes one entry and its access counter. Deleting a missing id is
// not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	db, err := s.handle("delete", id)
	if err != nil {
		return err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entry_id = ?", id).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Entry{}).Error
	})
	if err != nil {
		return opError("delete", id, err)
	}

	s.mu.Lock()
	delete(s.index, id)
	delete(s.hot, id)
	s.mu.Unlock()
	return nil
}

// Clear wipes every entry and resets hit-ratio accounting.
func (s *Store) Clear(ctx context.Context) error {
	db, err := s.handle("clear", "")
	if err != nil {
		return err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&Entry{}).Error
	})
	if err != nil {
		return opError("clear", "", err)
	}

	s.mu.Lock()
	s.index = make(map[string]*Entry)
	s.hot = make(map[string][][]byte)
	s.accesses = 0
	s.hits = 0
	s.mu.Unlock()
	return nil
}

// Cleanup removes entries matching the policy and returns the number deleted.
//
// Pass 1 deletes entries matching the tag filters that also satisfy an age or
// access-count condition; with tag filters but neither condition, every tag
// match is deleted. Pass 2 enforces MaxEntries by deleting the
// lowest-(accessCount, then oldest-cachedAt) survivors.
func (s *Store) Cleanup(ctx context.Context, policy CleanupPolicy) (int, error) {
	db, err := s.handle("cleanup", "")
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	doomed := make([]string, 0)
	survivors := make([]*Entry, 0, len(entries))

	for _, e := range entries {
		if !matchesTagFilters(e, policy) {
			survivors = append(survivors, e)
			continue
		}
		if shouldPrune(e, policy, now) {
			doomed = append(doomed, e.ID)
		} else {
			survivors = append(survivors, e)
		}
	}

	if policy.MaxEntries > 0 && len(survivors) > policy.MaxEntries {
		sort.Slice(survivors, func(i, j int) bool {
			if survivors[i].AccessCount != survivors[j].AccessCount {
				return survivors[i].AccessCount < survivors[j].AccessCount
			}
			return survivors[i].CachedAt.Before(survivors[j].CachedAt)
		})
		excess := len(survivors) - policy.MaxEntries
		for _, e := range survivors[:excess] {
			doomed = append(doomed, e.ID)
		}
	}

	if len(doomed) == 0 {
		return 0, nil
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entry_id IN ?", doomed).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", doomed).Delete(&Entry{}).Error
	})
	if err != nil {
		return 0, opError("cleanup", "", err)
	}

	s.mu.Lock()
	for _, id := range doomed {
		delete(s.index, id)
		delete(s.hot, id)
	}
	s.mu.Unlock()

	s.metrics.CacheEvicted.Add(float64(len(doomed)))
	s.logger.Info("cache cleanup finished", slog.Int("deleted", len(doomed)))
	return len(doomed), nil
}

// matchesTagFilters reports whether the entry is eligible for pruning under
// the policy's tag filters.
func matchesTagFilters(e *Entry, policy CleanupPolicy) bool {
	if len(policy.ExcludeTags) > 0 && e.Tags.ContainsAny(policy.ExcludeTags) {
		return false
	}
	if len(policy.Tags) > 0 && !e.Tags.ContainsAny(policy.Tags) {
		return false
	}
	return true
}

// shouldPrune applies the age/access-count conditions of pass 1.
func shouldPrune(e *Entry, policy CleanupPolicy, now time.Time) bool {
	hasCondition := policy.MaxAge > 0 || policy.MinAccessCount > 0
	if !hasCondition {
		// Tag-only cleanup deletes every tag match.
		return len(policy.Tags) > 0
	}
	if policy.MaxAge > 0 && now.Sub(e.CachedAt) > policy.MaxAge {
		return true
	}
	if policy.MinAccessCount > 0 && e.AccessCount < policy.MinAccessCount {
		return true
	}
	return false
}

// GetStats returns a usage snapshot. Quota figures are estimated from the
// filesystem hosting a SQLite database and default to zero when the platform
// cannot estimate storage usage.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	if _, err := s.handle("stats", ""); err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	stats := Stats{
		EntryCount: len(s.index),
		HitRatio:   hitRatioLocked(s.hits, s.accesses),
		ByTag:      make(map[string]TagStats),
	}
	for _, e := range s.index {
		stats.TotalSize += e.OriginalSize
		for _, tag := range e.Tags {
			t := stats.ByTag[tag]
			t.Count++
			t.Size += e.OriginalSize
			stats.ByTag[tag] = t
		}
	}
	s.mu.Unlock()

	if s.cfg.Driver == "sqlite" && !strings.Contains(s.cfg.DSN, ":memory:") {
		if usage, err := disk.UsageWithContext(ctx, filepath.Dir(databasePath(s.cfg.DSN))); err == nil {
			stats.AvailableQuota = usage.Free
			stats.UsedQuota = usage.Used
		}
	}
	return stats, nil
}

// HitRatio returns hits divided by total accesses, or 0 before any access.
func (s *Store) HitRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hitRatioLocked(s.hits, s.accesses)
}

func hitRatioLocked(hits, accesses int64) float64 {
	if accesses == 0 {
		return 0
	}
	return float64(hits) / float64(accesses)
}

// databasePath strips DSN parameters from a SQLite DSN.
func databasePath(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return strings.TrimPrefix(dsn, "file:")
}

// Close releases the durable connection. The store must be re-initialized
// before further use.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false
	sqlDB, err := s.db.DB()
	if err != nil {
		return opError("close", "", err)
	}
	return sqlDB.Close()
}
