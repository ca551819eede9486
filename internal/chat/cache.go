package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docchat/internal/logger"
	"docchat/internal/models"
	"docchat/internal/redis"
)

const redisSnapshotTTL = 10 * time.Minute

// SnapshotCache keeps read copies of conversations. The store stays authoritative;
// every write to a conversation invalidates its snapshot.
type SnapshotCache interface {
	Load(ctx context.Context, id string) (*models.Conversation, bool)
	Store(ctx context.Context, conv *models.Conversation)
	Invalidate(ctx context.Context, id string)
}

type nopCache struct{}

// snapshotGuard keeps a read-through fill from caching data that a concurrent
// write has already invalidated. A fill that overlaps an invalidation of the
// same conversation is dropped.
type snapshotGuard struct {
	cache SnapshotCache
	mu    sync.Mutex
	fills map[string]map[*pendingFill]struct{}
}

type pendingFill struct {
	id    string
	stale bool
}

func newSnapshotGuard(cache SnapshotCache) *snapshotGuard {
	if cache == nil {
		cache = nopCache{}
	}
	return &snapshotGuard{cache: cache, fills: make(map[string]map[*pendingFill]struct{})}
}

// begin registers a fill; it must be called before the store is read.
func (g *snapshotGuard) begin(id string) *pendingFill {
	f := &pendingFill{id: id}
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.fills[id]
	if !ok {
		set = make(map[*pendingFill]struct{})
		g.fills[id] = set
	}
	set[f] = struct{}{}
	return f
}

func (g *snapshotGuard) removeLocked(f *pendingFill) {
	set := g.fills[f.id]
	delete(set, f)
	if len(set) == 0 {
		delete(g.fills, f.id)
	}
}

func (g *snapshotGuard) abort(f *pendingFill) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(f)
}

// commit stores conv unless an invalidation ran since begin. The store call is
// made under the lock so a later invalidation always runs after it.
func (g *snapshotGuard) commit(ctx context.Context, f *pendingFill, conv *models.Conversation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(f)
	if f.stale {
		return
	}
	g.cache.Store(ctx, conv)
}

// Invalidate marks in-flight fills stale and drops the cached snapshot.
// Callers invoke it after the write reached the store.
func (g *snapshotGuard) Invalidate(ctx context.Context, id string) {
	g.mu.Lock()
	for f := range g.fills[id] {
		f.stale = true
	}
	g.mu.Unlock()
	g.cache.Invalidate(ctx, id)
}

func (nopCache) Load(context.Context, string) (*models.Conversation, bool) { return nil, false }
func (nopCache) Store(context.Context, *models.Conversation) {}
func (nopCache) Invalidate(context.Context, string) {}

// RedisCache stores conversation snapshots as JSON under <namespace>:chat:conversation:<id>.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

func NewRedisCache(client *redis.Client, log *logger.Logger) *RedisCache {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisCache{client: client, ttl: redisSnapshotTTL, log: log}
}

func snapshotKey(id string) string {
	return fmt.Sprintf("chat:conversation:%s", id)
}

func (r *RedisCache) Load(ctx context.Context, id string) (*models.Conversation, bool) {
	if r == nil || r.client == nil || id == "" {
		return nil, false
	}
	var conv models.Conversation
	if err := r.client.GetJSON(ctx, snapshotKey(id), &conv); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.log.Warn("load conversation snapshot failed", "conversation_id", id, "error", err)
		}
		return nil, false
	}
	if conv.Messages == nil {
		conv.Messages = make([]*models.Message, 0)
	}
	return &conv, true
}

func (r *RedisCache) Store(ctx context.Context, conv *models.Conversation) {
	if r == nil || r.client == nil || conv == nil || conv.ID == "" {
		return
	}
	if err := r.client.SetJSON(ctx, snapshotKey(conv.ID), conv, r.ttl); err != nil {
		r.log.Warn("store conversation snapshot failed", "conversation_id", conv.ID, "error", err)
	}
}

func (r *RedisCache) Invalidate(ctx context.Context, id string) {
	if r == nil || r.client == nil || id == "" {
		return
	}
	if err := r.client.Del(ctx, snapshotKey(id)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.log.Warn("invalidate conversation snapshot failed", "conversation_id", id, "error", err)
	}
}
