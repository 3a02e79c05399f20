// Package op 定义同步操作 (上传/下载/删除单个路径) 及其生命周期
package op

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type 操作类型
type Type string

const (
	Upload   Type = "upload"
	Download Type = "download"
	Delete   Type = "delete"
)

// Priority 出队优先级，数字越小越先执行
// 删除优先于上传 (避免重新上传一个马上要删除的路径)，上传优先于下载 (先推本地修改再拉远端)
func (t Type) Priority() int {
	switch t {
	case Delete:
		return 1
	case Upload:
		return 2
	case Download:
		return 3
	default:
		return 4
	}
}

// Valid 是否为已知类型
func (t Type) Valid() bool {
	return t == Upload || t == Download || t == Delete
}

// Status 操作状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// DefaultMaxRetries 默认最大重试次数
const DefaultMaxRetries = 3

// Operation 队列中的一个工作单元
// JSON 布局即持久化格式 (sync_op_<id>)，时间为 ISO-8601
type Operation struct {
	ID           string            `json:"id"`
	FilePath     string            `json:"filePath"`
	Type         Type              `json:"type"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	ScheduledAt  *time.Time        `json:"scheduledAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	RetryCount   int               `json:"retryCount"`
	MaxRetries   int               `json:"maxRetries"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Seq 入队顺序，createdAt 相同时用来打破平局
	Seq int64 `json:"seq,omitempty"`
}

// CanRetry 失败且还有重试次数
func (o *Operation) CanRetry() bool {
	return o.Status == StatusFailed && o.RetryCount < o.MaxRetries
}

// NeedsExecution 等待执行或可以重试
func (o *Operation) NeedsExecution() bool {
	return o.Status == StatusPending || o.CanRetry()
}

// IsFinished 已完成、已取消或者重试次数耗尽
func (o *Operation) IsFinished() bool {
	switch o.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return !o.CanRetry()
	default:
		return false
	}
}

// FinishedAt 用于清理过期条目：优先 completedAt，否则退回 createdAt
func (o *Operation) FinishedAt() time.Time {
	if o.CompletedAt != nil {
		return *o.CompletedAt
	}
	return o.CreatedAt
}

// Clone 深拷贝，避免调用方改动队列持有的数据
func (o *Operation) Clone() *Operation {
	c := *o
	if o.ScheduledAt != nil {
		t := *o.ScheduledAt
		c.ScheduledAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s %s [%s]", o.Type, o.FilePath, o.Status)
}

// Encode 序列化为存储格式
func Encode(o *Operation) ([]byte, error) {
	return json.Marshal(o)
}

// Decode 反序列化并做基本校验
func Decode(data []byte) (*Operation, error) {
	var o Operation
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	if o.ID == "" {
		return nil, fmt.Errorf("operation without id")
	}
	if !o.Type.Valid() {
		return nil, fmt.Errorf("unknown operation type %q", o.Type)
	}
	return &o, nil
}
