package conflict

import (
	"context"
	"errors"
	"time"

	"notesync/internal/cache"
	"notesync/internal/database"
	"notesync/internal/events"
	"notesync/internal/fs"
	"notesync/internal/syncerr"
)

// Manager 组合检测、解决和备份，所有子组件共用一个事件发布者
type Manager struct {
	Detector *Detector
	Resolver *Resolver
	Backups  *Backups

	strategy Strategy
}

// NewManager 创建冲突管理器
func NewManager(c *cache.Cache, kv database.KV, remote fs.ObjectStore, pub events.Publisher, s Strategy) *Manager {
	backups := NewBackups(c, kv, remote, pub)
	return &Manager{
		Detector: NewDetector(c, remote, pub),
		Resolver: NewResolver(c, remote, backups, pub),
		Backups:  backups,
		strategy: s,
	}
}

// SetClock 替换所有子组件的时间来源
func (m *Manager) SetClock(now func() time.Time) {
	m.Detector.SetClock(now)
	m.Resolver.SetClock(now)
	m.Backups.SetClock(now)
}

// Strategy 当前默认策略
func (m *Manager) Strategy() Strategy {
	return m.strategy
}

// Detect 检测单个路径
func (m *Manager) Detect(ctx context.Context, path string) *FileConflict {
	return m.Detector.DetectFileConflict(ctx, path)
}

// DetectAll 检测所有路径
func (m *Manager) DetectAll(ctx context.Context) ([]*FileConflict, error) {
	return m.Detector.DetectAllConflicts(ctx)
}

// Resolve 重新检测后按指定方式解决；backup 为 true 时先备份本地内容。
// 路径已经一致时返回 (nil, nil)
func (m *Manager) Resolve(ctx context.Context, path string, res Resolution, backup bool) (*Outcome, error) {
	c := m.Detect(ctx, path)
	if c == nil {
		return nil, nil
	}
	s := Strategy{CreateBackups: backup, DefaultResolution: res}
	out := m.Resolver.ResolveConflicts(ctx, []*FileConflict{c}, s)
	return &out[0], out[0].Err
}

// ResolveAll 用默认策略解决
func (m *Manager) ResolveAll(ctx context.Context, conflicts []*FileConflict) []Outcome {
	return m.Resolver.ResolveConflicts(ctx, conflicts, m.strategy)
}

// Unresolved 从结果中挑出仍需人工处理的冲突
func Unresolved(outcomes []Outcome) []*FileConflict {
	var out []*FileConflict
	for _, o := range outcomes {
		if errors.Is(o.Err, syncerr.ErrConflictUnresolved) {
			out = append(out, o.Conflict)
		}
	}
	return out
}
