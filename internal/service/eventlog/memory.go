package eventlog

import (
	"context"
	"sync"
	"time"
)

type memorySession struct {
	records   []Record
	sealed    bool
	updatedAt time.Time
}

// MemoryBackend 把日志放在进程内存中，只有执行生成的那个进程
// 才能恢复
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*memorySession), now: time.Now}
}

func (b *MemoryBackend) Append(_ context.Context, key string, seq int64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[key]
	if !ok {
		s = &memorySession{}
		b.sessions[key] = s
	}
	if s.sealed {
		return ErrSealed
	}
	if seq != int64(len(s.records)) {
		return ErrSequenceConflict
	}
	s.records = append(s.records, Record{Seq: seq, Payload: append([]byte(nil), payload...)})
	s.updatedAt = b.now()
	return nil
}

func (b *MemoryBackend) Read(_ context.Context, key string, from int64, limit int) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[key]
	if !ok || from >= int64(len(s.records)) {
		return nil, nil
	}
	if from < 0 {
		from = 0
	}
	end := int64(len(s.records))
	if limit > 0 && from+int64(limit) < end {
		end = from + int64(limit)
	}
	out := make([]Record, end-from)
	copy(out, s.records[from:end])
	return out, nil
}

func (b *MemoryBackend) Seal(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[key]
	if !ok {
		s = &memorySession{}
		b.sessions[key] = s
	}
	s.sealed = true
	s.updatedAt = b.now()
	return nil
}

func (b *MemoryBackend) Sealed(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[key]
	return ok && s.sealed, nil
}

func (b *MemoryBackend) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for key, s := range b.sessions {
		if s.updatedAt.Before(cutoff) {
			delete(b.sessions, key)
			n++
		}
	}
	return n, nil
}
