// Package events 是队列和冲突管理器对外发布事件的订阅通道
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind 事件类型
type Kind string

const (
	QueueEnqueued  Kind = "queue.enqueued"
	QueueUpdated   Kind = "queue.updated"
	QueueCompleted Kind = "queue.completed"
	QueueFailed    Kind = "queue.failed"
	QueueCancelled Kind = "queue.cancelled"
	QueueRemoved   Kind = "queue.removed"
	QueueCleared   Kind = "queue.cleared"

	ConflictDetected Kind = "conflict.detected"
	ConflictResolved Kind = "conflict.resolved"
	ConflictBackup   Kind = "conflict.backup"
)

// Event 一条事件。Payload 由发布方决定 (队列发布 *op.Operation)
type Event struct {
	Kind    Kind
	Path    string
	ID      string
	Message string
	Payload any
	At      time.Time
}

// Publisher 是组件依赖的最小接口
type Publisher interface {
	Publish(Event)
}

// Discard 丢弃所有事件
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus 简单的发布/订阅实现。发布不阻塞：订阅者缓冲区满时丢弃并记录日志
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe 返回事件通道以及取消订阅函数
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish 向所有订阅者广播
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("事件订阅者缓冲区已满，丢弃事件", "kind", e.Kind, "path", e.Path)
		}
	}
}
