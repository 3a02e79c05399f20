package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"notesync/internal/database"
	"notesync/internal/events"
	"notesync/internal/op"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *op.Factory, *clock, database.KV) {
	t.Helper()
	kv := database.NewMemory()
	q, err := New(kv, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	c := &clock{t: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	q.SetClock(c.now)
	n := 0
	f := &op.Factory{
		Now: c.now,
		NewID: func() string {
			n++
			return fmt.Sprintf("op%02d", n)
		},
	}
	return q, f, c, kv
}

func mustEnqueue(t *testing.T, q *Queue, o *op.Operation) *op.Operation {
	t.Helper()
	stored, err := q.Enqueue(o)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return stored
}

func TestDequeue_PriorityOrder(t *testing.T) {
	q, f, c, _ := newTestQueue(t)

	mustEnqueue(t, q, f.Download("d.md", nil))
	c.advance(time.Second)
	mustEnqueue(t, q, f.Upload("u2.md", nil))
	c.advance(time.Second)
	mustEnqueue(t, q, f.Delete("x.md", nil))
	c.advance(-10 * time.Second)
	mustEnqueue(t, q, f.Upload("u1.md", nil))

	var got []string
	for {
		o, err := q.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue() failed: %v", err)
		}
		if o == nil {
			break
		}
		if o.Status != op.StatusInProgress {
			t.Errorf("dequeued op status = %s, want inProgress", o.Status)
		}
		got = append(got, o.FilePath)
	}

	want := []string{"x.md", "u1.md", "u2.md", "d.md"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("dequeue order = %v, want %v", got, want)
	}
}

func TestDequeue_TiesBrokenByInsertionOrder(t *testing.T) {
	q, f, _, _ := newTestQueue(t)
	for _, p := range []string{"c.md", "a.md", "b.md"} {
		mustEnqueue(t, q, f.Upload(p, nil))
	}
	for _, want := range []string{"c.md", "a.md", "b.md"} {
		o, _ := q.Dequeue()
		if o == nil || o.FilePath != want {
			t.Fatalf("Dequeue() = %v, want %s", o, want)
		}
	}
}

func TestDequeue_Empty(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	o, err := q.Dequeue()
	if err != nil || o != nil {
		t.Errorf("Dequeue() on empty queue = %v, %v", o, err)
	}
}

func TestEnqueue_Deduplicates(t *testing.T) {
	q, f, c, _ := newTestQueue(t)

	first := mustEnqueue(t, q, f.Upload("a.md", map[string]string{"rev": "1"}))
	c.advance(time.Minute)
	second := mustEnqueue(t, q, f.Upload("a.md", map[string]string{"rev": "2"}))

	if second.ID != first.ID {
		t.Errorf("duplicate enqueue created a new entry: %s != %s", second.ID, first.ID)
	}
	ops, _ := q.GetOperationsForFile("a.md")
	if len(ops) != 1 {
		t.Fatalf("GetOperationsForFile() = %d entries, want 1", len(ops))
	}
	if ops[0].Metadata["rev"] != "2" || !ops[0].CreatedAt.Equal(c.t) {
		t.Errorf("existing entry not refreshed: %+v", ops[0])
	}

	// 不同类型不合并
	mustEnqueue(t, q, f.Download("a.md", nil))
	ops, _ = q.GetOperationsForFile("a.md")
	if len(ops) != 2 {
		t.Errorf("GetOperationsForFile() = %d entries, want 2", len(ops))
	}
}

func TestEnqueue_NoDedupAfterStart(t *testing.T) {
	q, f, _, _ := newTestQueue(t)
	mustEnqueue(t, q, f.Upload("a.md", nil))
	if _, err := q.Dequeue(); err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	mustEnqueue(t, q, f.Upload("a.md", nil))

	ops, _ := q.GetOperationsForFile("a.md")
	if len(ops) != 2 {
		t.Errorf("in-progress entry should not absorb new enqueue, got %d entries", len(ops))
	}
}

func TestMarkAsFailed_RetryBound(t *testing.T) {
	q, f, _, _ := newTestQueue(t)
	o := mustEnqueue(t, q, f.Upload("a.md", nil))

	for i := 0; i < op.DefaultMaxRetries; i++ {
		got, _ := q.Get(o.ID)
		if !got.NeedsExecution() {
			t.Fatalf("attempt %d: op should still need execution", i)
		}
		if err := q.MarkAsFailed(o.ID, "network down"); err != nil {
			t.Fatalf("MarkAsFailed() failed: %v", err)
		}
	}

	got, _ := q.Get(o.ID)
	if got.CanRetry() || got.NeedsExecution() {
		t.Errorf("after %d failures CanRetry=%v NeedsExecution=%v", op.DefaultMaxRetries, got.CanRetry(), got.NeedsExecution())
	}
	if got.RetryCount != op.DefaultMaxRetries || got.ErrorMessage != "network down" {
		t.Errorf("got %+v", got)
	}

	// 继续标记失败不会超过上限
	_ = q.MarkAsFailed(o.ID, "again")
	got, _ = q.Get(o.ID)
	if got.RetryCount != op.DefaultMaxRetries {
		t.Errorf("RetryCount = %d, should be capped", got.RetryCount)
	}
}

func TestStateTransitions(t *testing.T) {
	q, f, _, _ := newTestQueue(t)
	bus := events.NewBus()
	q.pub = bus
	ch, stop := bus.Subscribe(32)
	defer stop()

	a := mustEnqueue(t, q, f.Upload("a.md", nil))
	b := mustEnqueue(t, q, f.Delete("b.md", nil))

	if err := q.MarkAsCompleted(a.ID); err != nil {
		t.Fatalf("MarkAsCompleted() failed: %v", err)
	}
	if err := q.CancelOperation(b.ID); err != nil {
		t.Fatalf("CancelOperation() failed: %v", err)
	}

	ga, _ := q.Get(a.ID)
	gb, _ := q.Get(b.ID)
	if ga.Status != op.StatusCompleted || ga.CompletedAt == nil {
		t.Errorf("completed op = %+v", ga)
	}
	if gb.Status != op.StatusCancelled || gb.CompletedAt == nil {
		t.Errorf("cancelled op = %+v", gb)
	}

	if err := q.RemoveOperation(a.ID); err != nil {
		t.Fatalf("RemoveOperation() failed: %v", err)
	}
	if _, err := q.Get(a.ID); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("Get() after remove = %v", err)
	}
	if err := q.MarkAsCompleted("nope"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("MarkAsCompleted(unknown) = %v", err)
	}

	want := []events.Kind{events.QueueEnqueued, events.QueueEnqueued, events.QueueCompleted, events.QueueCancelled, events.QueueRemoved}
	for i, k := range want {
		e := <-ch
		if e.Kind != k {
			t.Errorf("event %d = %s, want %s", i, e.Kind, k)
		}
	}
}

func TestStatsAndRetryFailed(t *testing.T) {
	q, f, _, _ := newTestQueue(t)
	a := mustEnqueue(t, q, f.Upload("a.md", nil))
	b := mustEnqueue(t, q, f.Upload("b.md", nil))
	exhausted := mustEnqueue(t, q, f.Create("c.md", op.Download, 1, nil))
	mustEnqueue(t, q, f.Delete("d.md", nil))

	_ = q.MarkAsCompleted(a.ID)
	_ = q.MarkAsFailed(b.ID, "timeout")
	_ = q.MarkAsFailed(exhausted.ID, "404")

	s, err := q.GetQueueStats()
	if err != nil {
		t.Fatalf("GetQueueStats() failed: %v", err)
	}
	if s.Pending != 1 || s.Completed != 1 || s.Failed != 2 || s.Total != 4 {
		t.Errorf("GetQueueStats() = %+v", s)
	}

	failed, _ := q.GetFailedOperations()
	if len(failed) != 2 {
		t.Errorf("GetFailedOperations() = %d, want 2", len(failed))
	}

	n, err := q.RetryFailedOperations()
	if err != nil || n != 1 {
		t.Fatalf("RetryFailedOperations() = %d, %v; want 1", n, err)
	}
	gb, _ := q.Get(b.ID)
	if gb.Status != op.StatusPending || gb.ErrorMessage != "" || gb.RetryCount != 1 {
		t.Errorf("retried op = %+v", gb)
	}
	ge, _ := q.Get(exhausted.ID)
	if ge.Status != op.StatusFailed {
		t.Errorf("exhausted op should stay failed, got %s", ge.Status)
	}

	pending, _ := q.GetPendingOperations()
	if len(pending) != 2 || pending[0].FilePath != "d.md" {
		t.Errorf("GetPendingOperations() = %v", pending)
	}
	if ok, _ := q.HasPendingOperations(); !ok {
		t.Error("HasPendingOperations() = false")
	}
}

func TestCleanupCompletedOperations(t *testing.T) {
	q, f, c, _ := newTestQueue(t)
	old := mustEnqueue(t, q, f.Upload("old.md", nil))
	_ = q.MarkAsCompleted(old.ID)
	oldFailed := mustEnqueue(t, q, f.Create("f.md", op.Upload, 1, nil))
	_ = q.MarkAsFailed(oldFailed.ID, "x")

	c.advance(8 * 24 * time.Hour)
	fresh := mustEnqueue(t, q, f.Upload("fresh.md", nil))
	_ = q.MarkAsCompleted(fresh.ID)
	mustEnqueue(t, q, f.Upload("pending.md", nil))

	n, err := q.CleanupCompletedOperations(0)
	if err != nil {
		t.Fatalf("CleanupCompletedOperations() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	all, _ := q.GetAllOperations()
	if len(all) != 2 {
		t.Errorf("remaining = %v", all)
	}
}

func TestCorruptEntriesAreSkipped(t *testing.T) {
	q, f, _, kv := newTestQueue(t)
	mustEnqueue(t, q, f.Upload("a.md", nil))
	if err := kv.Set(KeyPrefix+"broken", []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	o, err := q.Dequeue()
	if err != nil || o == nil || o.FilePath != "a.md" {
		t.Fatalf("Dequeue() = %v, %v", o, err)
	}
	if q.CorruptEntries() == 0 {
		t.Error("corrupt entry should be counted")
	}

	if err := q.ClearQueue(); err != nil {
		t.Fatalf("ClearQueue() failed: %v", err)
	}
	keys, _ := kv.Keys(KeyPrefix)
	if len(keys) != 0 {
		t.Errorf("ClearQueue() left %v", keys)
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	q, f, _, kv := newTestQueue(t)
	mustEnqueue(t, q, f.Upload("a.md", nil))
	mustEnqueue(t, q, f.Upload("b.md", nil))
	if _, err := q.Dequeue(); err != nil {
		t.Fatal(err)
	}

	q2, err := New(kv, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	n, err := q2.RecoverInterrupted()
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted() = %d, %v", n, err)
	}
	// 新实例沿用序号，插入顺序仍然有效
	o, _ := q2.Dequeue()
	if o == nil || o.FilePath != "a.md" {
		t.Errorf("Dequeue() after reopen = %v", o)
	}
}
