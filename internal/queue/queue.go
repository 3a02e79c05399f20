// Package queue 是持久化、去重、按优先级排序的待同步操作队列
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"notesync/internal/database"
	"notesync/internal/events"
	"notesync/internal/op"
)

// KeyPrefix 队列条目在 KV 中的命名空间
const KeyPrefix = "sync_op_"

// DefaultRetention 清理已结束条目的默认保留期
const DefaultRetention = 7 * 24 * time.Hour

// ErrOperationNotFound 指定 id 的操作不存在
var ErrOperationNotFound = errors.New("operation not found")

// Stats 各状态计数
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// Queue 队列。条目只能通过 Queue 修改
// mu 只串行化队列自身的 读-改-写 序列；状态转换仍然是后写者胜出
type Queue struct {
	kv  database.KV
	pub events.Publisher
	now func() time.Time

	mu      sync.Mutex
	seq     int64
	corrupt atomic.Int64
}

// New 创建队列，并从已有条目恢复入队序号
func New(kv database.KV, pub events.Publisher) (*Queue, error) {
	if pub == nil {
		pub = events.Discard
	}
	q := &Queue{kv: kv, pub: pub, now: time.Now}

	ops, err := q.all()
	if err != nil {
		return nil, err
	}
	for _, o := range ops {
		if o.Seq > q.seq {
			q.seq = o.Seq
		}
	}
	return q, nil
}

// SetClock 替换时间来源 (测试用)
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// CorruptEntries 累计跳过的损坏条目数
func (q *Queue) CorruptEntries() int64 {
	return q.corrupt.Load()
}

func key(id string) string {
	return KeyPrefix + id
}

// all 读取全部条目。反序列化失败的条目被跳过 (一条坏数据不能卡住整个队列)，但会记录日志并计数
func (q *Queue) all() ([]*op.Operation, error) {
	keys, err := q.kv.Keys(KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("枚举队列失败: %w", err)
	}
	ops := make([]*op.Operation, 0, len(keys))
	for _, k := range keys {
		data, err := q.kv.Get(k)
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				slog.Warn("读取队列条目失败，跳过", "key", k, "err", err)
			}
			continue
		}
		o, err := op.Decode(data)
		if err != nil {
			q.corrupt.Add(1)
			slog.Warn("队列条目已损坏，跳过", "key", k, "err", err)
			continue
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func (q *Queue) load(id string) (*op.Operation, error) {
	data, err := q.kv.Get(key(id))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
		}
		return nil, err
	}
	o, err := op.Decode(data)
	if err != nil {
		q.corrupt.Add(1)
		slog.Warn("队列条目已损坏", "id", id, "err", err)
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return o, nil
}

func (q *Queue) save(o *op.Operation) error {
	data, err := op.Encode(o)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return q.kv.Set(key(o.ID), data)
}

func (q *Queue) emit(kind events.Kind, o *op.Operation) {
	e := events.Event{Kind: kind}
	if o != nil {
		e.ID = o.ID
		e.Path = o.FilePath
		e.Message = o.ErrorMessage
		e.Payload = o.Clone()
	}
	q.pub.Publish(e)
}

// Enqueue 入队。同一 (filePath, type) 还有未执行的条目时，只更新它的 createdAt/metadata
// 返回实际存储的操作
func (q *Queue) Enqueue(o *op.Operation) (*op.Operation, error) {
	if o == nil || o.ID == "" {
		return nil, fmt.Errorf("invalid operation")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.all()
	if err != nil {
		return nil, err
	}

	q.seq++
	for _, existing := range ops {
		if existing.FilePath == o.FilePath && existing.Type == o.Type && existing.NeedsExecution() {
			existing.CreatedAt = o.CreatedAt
			existing.Metadata = o.Clone().Metadata
			existing.Seq = q.seq
			if err := q.save(existing); err != nil {
				return nil, err
			}
			slog.Debug("合并重复的同步操作", "path", o.FilePath, "type", o.Type, "op_id", existing.ID)
			q.emit(events.QueueEnqueued, existing)
			return existing.Clone(), nil
		}
	}

	stored := o.Clone()
	stored.Seq = q.seq
	if err := q.save(stored); err != nil {
		return nil, err
	}
	q.emit(events.QueueEnqueued, stored)
	return stored.Clone(), nil
}

// EnqueueAll 逐个入队，不保证整体原子性
func (q *Queue) EnqueueAll(ops []*op.Operation) ([]*op.Operation, error) {
	out := make([]*op.Operation, 0, len(ops))
	for _, o := range ops {
		stored, err := q.Enqueue(o)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// less 出队顺序: (priority(type), createdAt, seq)
func less(a, b *op.Operation) bool {
	if pa, pb := a.Type.Priority(), b.Type.Priority(); pa != pb {
		return pa < pb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Dequeue 取出优先级最高的待执行操作并标记为 inProgress；队列为空时返回 nil
func (q *Queue) Dequeue() (*op.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.all()
	if err != nil {
		return nil, err
	}

	var next *op.Operation
	for _, o := range ops {
		if !o.NeedsExecution() {
			continue
		}
		if next == nil || less(o, next) {
			next = o
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = op.StatusInProgress
	if err := q.save(next); err != nil {
		return nil, err
	}
	q.emit(events.QueueUpdated, next)
	return next.Clone(), nil
}

// Get 按 id 读取
func (q *Queue) Get(id string) (*op.Operation, error) {
	return q.load(id)
}

// GetPendingOperations 所有需要执行的操作 (pending 或可重试)，按出队顺序排列
func (q *Queue) GetPendingOperations() ([]*op.Operation, error) {
	return q.filter(func(o *op.Operation) bool { return o.NeedsExecution() })
}

// GetOperationsForFile 指定路径上的全部操作
func (q *Queue) GetOperationsForFile(path string) ([]*op.Operation, error) {
	return q.filter(func(o *op.Operation) bool { return o.FilePath == path })
}

// GetFailedOperations 状态为 failed 的操作 (包括重试耗尽的)
func (q *Queue) GetFailedOperations() ([]*op.Operation, error) {
	return q.filter(func(o *op.Operation) bool { return o.Status == op.StatusFailed })
}

// GetAllOperations 全部条目，按出队顺序排列
func (q *Queue) GetAllOperations() ([]*op.Operation, error) {
	return q.filter(func(*op.Operation) bool { return true })
}

func (q *Queue) filter(keep func(*op.Operation) bool) ([]*op.Operation, error) {
	ops, err := q.all()
	if err != nil {
		return nil, err
	}
	out := ops[:0]
	for _, o := range ops {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

// HasPendingOperations 是否还有需要执行的操作
func (q *Queue) HasPendingOperations() (bool, error) {
	ops, err := q.all()
	if err != nil {
		return false, err
	}
	for _, o := range ops {
		if o.NeedsExecution() {
			return true, nil
		}
	}
	return false, nil
}

// UpdateOperation 整体覆盖一个条目
func (q *Queue) UpdateOperation(o *op.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.save(o); err != nil {
		return err
	}
	q.emit(events.QueueUpdated, o)
	return nil
}

// mutate 读-改-写 单个条目
func (q *Queue) mutate(id string, kind events.Kind, fn func(*op.Operation)) (*op.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	o, err := q.load(id)
	if err != nil {
		return nil, err
	}
	fn(o)
	if err := q.save(o); err != nil {
		return nil, err
	}
	q.emit(kind, o)
	return o, nil
}

// MarkAsCompleted 标记完成
func (q *Queue) MarkAsCompleted(id string) error {
	_, err := q.mutate(id, events.QueueCompleted, func(o *op.Operation) {
		now := q.now()
		o.Status = op.StatusCompleted
		o.CompletedAt = &now
		o.ErrorMessage = ""
	})
	return err
}

// MarkAsFailed 标记失败并增加重试计数 (不超过 maxRetries)
func (q *Queue) MarkAsFailed(id, message string) error {
	o, err := q.mutate(id, events.QueueFailed, func(o *op.Operation) {
		o.Status = op.StatusFailed
		o.ErrorMessage = message
		if o.RetryCount < o.MaxRetries {
			o.RetryCount++
		}
	})
	if err == nil && !o.CanRetry() {
		slog.Warn("同步操作重试次数已耗尽", "op_id", id, "path", o.FilePath, "type", o.Type, "err", message)
	}
	return err
}

// CancelOperation 取消
func (q *Queue) CancelOperation(id string) error {
	_, err := q.mutate(id, events.QueueCancelled, func(o *op.Operation) {
		now := q.now()
		o.Status = op.StatusCancelled
		o.CompletedAt = &now
	})
	return err
}

// RemoveOperation 删除条目
func (q *Queue) RemoveOperation(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, err := q.load(id)
	if err != nil && !errors.Is(err, ErrOperationNotFound) {
		return err
	}
	if err := q.kv.Delete(key(id)); err != nil {
		return err
	}
	if o == nil {
		o = &op.Operation{ID: id}
	}
	q.emit(events.QueueRemoved, o)
	return nil
}

// ClearQueue 删除全部条目 (包括损坏的)
func (q *Queue) ClearQueue() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.kv.Keys(KeyPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := q.kv.Delete(k); err != nil {
			return err
		}
	}
	q.emit(events.QueueCleared, nil)
	return nil
}

// CleanupCompletedOperations 删除早于 olderThan 的已结束条目；olderThan <= 0 时使用 7 天
func (q *Queue) CleanupCompletedOperations(olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.all()
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-olderThan)
	removed := 0
	for _, o := range ops {
		if o.IsFinished() && o.FinishedAt().Before(cutoff) {
			if err := q.kv.Delete(key(o.ID)); err != nil {
				return removed, err
			}
			removed++
			q.emit(events.QueueRemoved, o)
		}
	}
	if removed > 0 {
		slog.Info("已清理过期的同步操作", "count", removed)
	}
	return removed, nil
}

// GetQueueStats 按状态计数
func (q *Queue) GetQueueStats() (Stats, error) {
	var s Stats
	ops, err := q.all()
	if err != nil {
		return s, err
	}
	for _, o := range ops {
		switch o.Status {
		case op.StatusPending:
			s.Pending++
		case op.StatusInProgress:
			s.InProgress++
		case op.StatusCompleted:
			s.Completed++
		case op.StatusFailed:
			s.Failed++
		case op.StatusCancelled:
			s.Cancelled++
		}
		s.Total++
	}
	return s, nil
}

// RetryFailedOperations 把所有可重试的失败操作重置为 pending
func (q *Queue) RetryFailedOperations() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.all()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range ops {
		if !o.CanRetry() {
			continue
		}
		o.Status = op.StatusPending
		o.ErrorMessage = ""
		if err := q.save(o); err != nil {
			return n, err
		}
		n++
		q.emit(events.QueueUpdated, o)
	}
	return n, nil
}

// RecoverInterrupted 进程崩溃后 inProgress 的条目永远不会再被取出，启动时重置为 pending
func (q *Queue) RecoverInterrupted() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.all()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range ops {
		if o.Status != op.StatusInProgress {
			continue
		}
		o.Status = op.StatusPending
		if err := q.save(o); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.Info("恢复上次中断的同步操作", "count", n)
	}
	return n, nil
}
