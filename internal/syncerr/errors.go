// Package syncerr 定义同步核心的错误分类
package syncerr

import (
	"errors"
	"fmt"

	"notesync/internal/cancel"
)

var (
	// ErrNetworkUnavailable 远端不可达
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrStoreFailure 本地或远端存储 I/O 失败
	ErrStoreFailure = errors.New("store failure")
	// ErrSyncFailure 编排过程中的失败，通常包装上面两种
	ErrSyncFailure = errors.New("sync failure")
	// ErrCancelled 协作取消或超时
	ErrCancelled = cancel.ErrCancelled
	// ErrConflictUnresolved 检测到冲突但没有安全的自动解决方案
	ErrConflictUnresolved = errors.New("conflict unresolved")
)

// SyncError 记录失败发生在哪个操作、哪个路径
type SyncError struct {
	Op   string
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is 让所有 SyncError 都能匹配 ErrSyncFailure
func (e *SyncError) Is(target error) bool {
	return target == ErrSyncFailure
}

// Wrap 构造 SyncError；err 为 nil 时返回 nil
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Op: op, Path: path, Err: err}
}

// Store 把底层 I/O 错误标记为 ErrStoreFailure，保留原始错误链
func Store(err error) error {
	if err == nil || errors.Is(err, ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreFailure, err)
}
