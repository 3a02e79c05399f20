package op

import (
	"time"

	"github.com/google/uuid"
)

// Factory 创建新的操作
type Factory struct {
	Now   func() time.Time
	NewID func() string
}

// NewFactory 使用真实时钟和 UUID
func NewFactory() *Factory {
	return &Factory{
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// Create 新操作：status=pending, retryCount=0, createdAt=now
// maxRetries <= 0 时使用默认值 3
func (f *Factory) Create(filePath string, typ Type, maxRetries int, metadata map[string]string) *Operation {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Operation{
		ID:         f.NewID(),
		FilePath:   filePath,
		Type:       typ,
		Status:     StatusPending,
		CreatedAt:  f.Now(),
		MaxRetries: maxRetries,
		Metadata:   copyMeta(metadata),
	}
}

func (f *Factory) Upload(filePath string, metadata map[string]string) *Operation {
	return f.Create(filePath, Upload, DefaultMaxRetries, metadata)
}

func (f *Factory) Download(filePath string, metadata map[string]string) *Operation {
	return f.Create(filePath, Download, DefaultMaxRetries, metadata)
}

func (f *Factory) Delete(filePath string, metadata map[string]string) *Operation {
	return f.Create(filePath, Delete, DefaultMaxRetries, metadata)
}

// CreateRetryOperation 用户手动重启一个已耗尽重试的操作
// 保留 filePath/type/metadata/maxRetries，其余 (id、状态、时间、重试次数) 全部重置
func (f *Factory) CreateRetryOperation(prev *Operation) *Operation {
	return f.Create(prev.FilePath, prev.Type, prev.MaxRetries, prev.Metadata)
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
