// Package timer 管理按事件 id 索引的一次性定时器。
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FireFunc 定时器到期回调，在注册表锁之外执行
type FireFunc func(id uuid.UUID)

// Registry 定时器注册表
type Registry interface {
	// Start 已存在同 id 定时器时不做任何事并返回 false
	Start(id uuid.UUID, d time.Duration, fire FireFunc) bool
	// Cancel 仅当移除了一个尚未触发的定时器时返回 true
	Cancel(id uuid.UUID) bool
	IsActive(id uuid.UUID) bool
	Active() []uuid.UUID
	Len() int
	// StopAll 停止全部定时器，不触发回调，返回停止数量
	StopAll() int
}

type entry struct {
	t *time.Timer
}

// MemoryRegistry 基于 time.AfterFunc 的进程内实现
type MemoryRegistry struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	timers map[uuid.UUID]*entry
}

// NewMemoryRegistry 创建注册表，name 用于日志区分（countdown / escalation）
func NewMemoryRegistry(name string, logger *zap.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		name:   name,
		logger: logger,
		timers: make(map[uuid.UUID]*entry),
	}
}

func (r *MemoryRegistry) Start(id uuid.UUID, d time.Duration, fire FireFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.timers[id]; ok {
		return false
	}
	if d < 0 {
		d = 0
	}

	e := &entry{}
	e.t = time.AfterFunc(d, func() { r.fire(id, e, fire) })
	r.timers[id] = e
	return true
}

// fire 先从表中移除条目，再执行回调；条目已被取消或替换则直接返回
func (r *MemoryRegistry) fire(id uuid.UUID, e *entry, fn FireFunc) {
	r.mu.Lock()
	cur, ok := r.timers[id]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.timers, id)
	r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Timer callback panicked",
				zap.String("registry", r.name),
				zap.String("emergency_id", id.String()),
				zap.Any("panic", p),
			)
		}
	}()
	fn(id)
}

func (r *MemoryRegistry) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[id]
	if !ok {
		return false
	}
	delete(r.timers, id)
	e.t.Stop()
	return true
}

func (r *MemoryRegistry) IsActive(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

func (r *MemoryRegistry) Active() []uuid.UUID {
	r.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *MemoryRegistry) StopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.timers)
	for id, e := range r.timers {
		e.t.Stop()
		delete(r.timers, id)
	}
	if n > 0 {
		r.logger.Info("Stopped all timers", zap.String("registry", r.name), zap.Int("count", n))
	}
	return n
}
