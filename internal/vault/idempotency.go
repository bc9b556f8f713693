package vault

import (
	"container/list"
	"context"

	"LeverVault/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InvocationLog is the durable tier of deduplication.
type InvocationLog interface {
	IsDuplicate(ctx context.Context, id uuid.UUID) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU in
// front of the persisted invocation log.
type IdempotencyChecker struct {
	lru     *IdempotencyLRU
	log     InvocationLog
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewIdempotencyChecker builds a checker. log and metrics may be nil.
func NewIdempotencyChecker(capacity int, log InvocationLog, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		log:     log,
		metrics: metrics,
		logger:  logger,
	}
}

// IsDuplicate checks whether id has already been processed.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, id uuid.UUID) bool {
	if ic.lru.Contains(id) {
		ic.recordDuplicate("lru")
		return true
	}

	if ic.log == nil {
		return false
	}
	dup, err := ic.log.IsDuplicate(ctx, id)
	if err != nil {
		// A store outage must not block processing: treat as unseen.
		ic.logger.Warn().Err(err).Stringer("invocation_id", id).Msg("idempotency lookup failed")
		return false
	}
	if dup {
		ic.recordDuplicate("postgres")
		ic.MarkProcessed(id)
		return true
	}
	return false
}

// MarkProcessed adds id to the LRU after the invocation was logged.
func (ic *IdempotencyChecker) MarkProcessed(id uuid.UUID) {
	ic.lru.Add(id)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Warm preloads recently logged ids, e.g. on restart.
func (ic *IdempotencyChecker) Warm(ids []uuid.UUID) {
	for _, id := range ids {
		ic.lru.Add(id)
	}
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of invocation ids.
// Not thread-safe: only accessed from the single processor goroutine.
type IdempotencyLRU struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if id exists (promotes to front)
func (lru *IdempotencyLRU) Contains(id uuid.UUID) bool {
	elem, exists := lru.cache[id]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts an id (or promotes if exists)
func (lru *IdempotencyLRU) Add(id uuid.UUID) {
	if elem, exists := lru.cache[id]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[id] = lru.lruList.PushFront(id)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(uuid.UUID))
	lru.evictions++
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
