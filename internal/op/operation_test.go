package op

import (
	"strings"
	"testing"
	"time"
)

func fixedFactory() *Factory {
	n := 0
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return &Factory{
		Now: func() time.Time { return now },
		NewID: func() string {
			n++
			return "id-" + string(rune('a'+n-1))
		},
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		retries   int
		canRetry  bool
		needsExec bool
		finished  bool
	}{
		{"pending", StatusPending, 0, false, true, false},
		{"in progress", StatusInProgress, 0, false, false, false},
		{"completed", StatusCompleted, 0, false, false, true},
		{"cancelled", StatusCancelled, 0, false, false, true},
		{"failed retryable", StatusFailed, 1, true, true, false},
		{"failed exhausted", StatusFailed, 3, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Operation{Status: tt.status, RetryCount: tt.retries, MaxRetries: 3}
			if got := o.CanRetry(); got != tt.canRetry {
				t.Errorf("CanRetry() = %v, want %v", got, tt.canRetry)
			}
			if got := o.NeedsExecution(); got != tt.needsExec {
				t.Errorf("NeedsExecution() = %v, want %v", got, tt.needsExec)
			}
			if got := o.IsFinished(); got != tt.finished {
				t.Errorf("IsFinished() = %v, want %v", got, tt.finished)
			}
		})
	}
}

func TestPriority(t *testing.T) {
	if !(Delete.Priority() < Upload.Priority() && Upload.Priority() < Download.Priority()) {
		t.Error("priority must be delete < upload < download")
	}
}

func TestFactory_Create(t *testing.T) {
	f := fixedFactory()
	o := f.Create("notes/a.md", Upload, 0, map[string]string{"source": "watcher"})

	if o.ID != "id-a" || o.Status != StatusPending || o.RetryCount != 0 {
		t.Errorf("Create() = %+v", o)
	}
	if o.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", o.MaxRetries, DefaultMaxRetries)
	}
	if o.CompletedAt != nil || o.ScheduledAt != nil {
		t.Error("new operation should not carry completion/schedule timestamps")
	}
}

func TestFactory_CreateRetryOperation(t *testing.T) {
	f := fixedFactory()
	prev := f.Create("notes/a.md", Download, 5, map[string]string{"k": "v"})
	done := time.Now()
	prev.Status = StatusFailed
	prev.RetryCount = 5
	prev.ErrorMessage = "boom"
	prev.CompletedAt = &done

	next := f.CreateRetryOperation(prev)
	if next.ID == prev.ID {
		t.Error("retry operation should get a new id")
	}
	if next.FilePath != prev.FilePath || next.Type != prev.Type || next.MaxRetries != 5 || next.Metadata["k"] != "v" {
		t.Errorf("retry operation lost fields: %+v", next)
	}
	if next.Status != StatusPending || next.RetryCount != 0 || next.ErrorMessage != "" || next.CompletedAt != nil {
		t.Errorf("retry operation not reset: %+v", next)
	}

	// 修改新操作的元数据不能影响旧操作
	next.Metadata["k"] = "changed"
	if prev.Metadata["k"] != "v" {
		t.Error("metadata should be copied")
	}
}

func TestEncodeDecode(t *testing.T) {
	f := fixedFactory()
	o := f.Upload("notes/a.md", nil)
	data, err := Encode(o)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if !strings.Contains(string(data), `"createdAt":"2026-10-01T12:00:00Z"`) {
		t.Errorf("Encode() should use ISO-8601 timestamps: %s", data)
	}
	if strings.Contains(string(data), "completedAt") {
		t.Errorf("Encode() should omit empty optional fields: %s", data)
	}

	if _, err := Decode([]byte(`{"id":"x","type":"teleport"}`)); err == nil {
		t.Error("Decode() should reject unknown types")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Decode() should reject garbage")
	}
}
