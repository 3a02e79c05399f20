package sync

import (
	"errors"
	"fmt"
	"time"

	"notesync/internal/conflict"
)

// OpType 定义同步操作类型
type OpType int

const (
	OpIgnore       OpType = iota // 忽略 (两边一致)
	OpUpload                     // 上传 (本地 -> 远端)
	OpDownload                   // 下载 (远端 -> 本地)
	OpDeleteRemote               // 删除远端对象
	OpDeleteLocal                // 删除本地副本
	OpConflict                   // 冲突，交给冲突管理器
)

func (o OpType) String() string {
	switch o {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	case OpDeleteRemote:
		return "delete_remote"
	case OpDeleteLocal:
		return "delete_local"
	case OpConflict:
		return "conflict"
	default:
		return "ignore"
	}
}

// Task 代表一个具体的同步任务
type Task struct {
	Op      OpType
	RelPath string // 相对路径
	Created bool   // 两侧各自新建，从未同步过
}

// Report 一轮同步的结果
type Report struct {
	Uploaded      []string
	Downloaded    []string
	DeletedRemote []string
	DeletedLocal  []string
	Resolved      []string
	Reindexed     []string

	// Conflicts 仍需人工处理的冲突
	Conflicts []*conflict.FileConflict
	Errors    map[string]error
	Duration  time.Duration
}

func newReport() *Report {
	return &Report{Errors: make(map[string]error)}
}

// Changed 本轮是否实际传输或删除了文件
func (r *Report) Changed() int {
	return len(r.Uploaded) + len(r.Downloaded) + len(r.DeletedRemote) + len(r.DeletedLocal) + len(r.Resolved)
}

// Err 把所有任务错误合并为一个
func (r *Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, err := range r.Errors {
		errs = append(errs, err)
	}
	return fmt.Errorf("%d task(s) failed: %w", len(errs), errors.Join(errs...))
}

func (r *Report) record(t Task) {
	switch t.Op {
	case OpUpload:
		r.Uploaded = append(r.Uploaded, t.RelPath)
	case OpDownload:
		r.Downloaded = append(r.Downloaded, t.RelPath)
	case OpDeleteRemote:
		r.DeletedRemote = append(r.DeletedRemote, t.RelPath)
	case OpDeleteLocal:
		r.DeletedLocal = append(r.DeletedLocal, t.RelPath)
	case OpConflict:
		r.Resolved = append(r.Resolved, t.RelPath)
	}
}
