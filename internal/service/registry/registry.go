package registry

import (
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/observability"
)

// Options 淘汰策略参数
type Options struct {
	// MaxAge is how long an entry may live before a sweep evicts it.
	MaxAge time.Duration
	// Capacity is the size a sweep shrinks the registry back to.
	Capacity int
	// SweepProbability is the chance a registration above the soft limit
	// (half of Capacity) triggers a sweep.
	SweepProbability float64

	Now     func() time.Time
	Rand    func() float64
	Metrics *observability.Metrics
}

const (
	DefaultMaxAge           = 30 * time.Minute
	DefaultCapacity         = 1000
	DefaultSweepProbability = 0.1
)

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.SweepProbability < 0 {
		o.SweepProbability = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		// #nosec G404 -- sweep sampling does not need cryptographic randomness
		o.Rand = rand.Float64
	}
	return o
}

// Registry 会话 ID 到取消句柄的映射，是流式核心唯一的进程级可变状态，
// 需要按会话 ID 取消的地方都通过注入使用它
type Registry struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*Handle
}

// New builds an empty registry.
func New(opts Options) *Registry {
	return &Registry{
		opts:    opts.withDefaults(),
		entries: make(map[string]*Handle),
	}
}

// Register 以 sessionID 保存 h，同 ID 的旧句柄会被终止并替换。
// 超过软上限时按概率触发清理，超过容量时必定清理
func (r *Registry) Register(sessionID string, h *Handle) {
	r.mu.Lock()
	prev := r.entries[sessionID]
	r.entries[sessionID] = h
	size := len(r.entries)
	r.mu.Unlock()

	if prev != nil && prev != h {
		prev.Abort(ErrReplaced)
	}
	r.opts.Metrics.RegistrySize(size)

	switch {
	case size > r.opts.Capacity:
		r.Sweep()
	case size > r.opts.Capacity/2 && r.opts.Rand() < r.opts.SweepProbability:
		r.Sweep()
	}
}

// Get returns the handle registered for sessionID.
func (r *Registry) Get(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[sessionID]
	return h, ok
}

// Remove aborts the handle for sessionID, if any, and deletes it.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	h, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	size := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.Abort(ErrReleased)
	r.opts.Metrics.RegistrySize(size)
	return true
}

// Release 仅当 h 仍是该会话当前注册的句柄时才终止并删除，
// 保证结束中的回合不会删掉替换它的新句柄
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	if cur, ok := r.entries[h.sessionID]; ok && cur == h {
		delete(r.entries, h.sessionID)
	}
	size := len(r.entries)
	r.mu.Unlock()

	h.Abort(ErrReleased)
	r.opts.Metrics.RegistrySize(size)
}

// Sweep evicts entries older than MaxAge, then the oldest entries until the
// registry fits Capacity. Evicted handles are aborted. It returns the number of
// evicted entries.
func (r *Registry) Sweep() int {
	now := r.opts.Now()

	r.mu.Lock()
	var expired, overflow []*Handle
	for id, h := range r.entries {
		if now.Sub(h.createdAt) > r.opts.MaxAge {
			expired = append(expired, h)
			delete(r.entries, id)
		}
	}
	if excess := len(r.entries) - r.opts.Capacity; excess > 0 {
		remaining := make([]*Handle, 0, len(r.entries))
		for _, h := range r.entries {
			remaining = append(remaining, h)
		}
		sort.Slice(remaining, func(i, j int) bool {
			return remaining[i].createdAt.Before(remaining[j].createdAt)
		})
		overflow = remaining[:excess]
		for _, h := range overflow {
			delete(r.entries, h.sessionID)
		}
	}
	size := len(r.entries)
	r.mu.Unlock()

	for _, h := range expired {
		h.Abort(ErrEvicted)
	}
	for _, h := range overflow {
		h.Abort(ErrEvicted)
	}

	evicted := len(expired) + len(overflow)
	if evicted > 0 {
		log.Printf("[registry] evicted %d handles (age=%d capacity=%d), %d remain", evicted, len(expired), len(overflow), size)
	}
	r.opts.Metrics.Evicted("age", len(expired))
	r.opts.Metrics.Evicted("capacity", len(overflow))
	r.opts.Metrics.RegistrySize(size)
	return evicted
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// AbortAll 以 cause 终止所有句柄并清空
func (r *Registry) AbortAll(cause error) int {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.entries))
	for id, h := range r.entries {
		handles = append(handles, h)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Abort(cause)
	}
	r.opts.Metrics.RegistrySize(0)
	return len(handles)
}
