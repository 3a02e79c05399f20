package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"notesync/internal/cache"
	"notesync/internal/events"
	"notesync/internal/fs"
	"notesync/internal/syncerr"
)

// Strategy 批量解决策略
type Strategy struct {
	CreateBackups           bool
	TypeSpecific            map[Type]Resolution
	AutoResolveWhenPossible bool
	// DefaultResolution 为空时没有匹配的冲突记为未解决
	DefaultResolution Resolution
}

// Choose 按 类型覆盖 > 自动方案 > 默认 的顺序挑选
func (s Strategy) Choose(c *FileConflict) Resolution {
	if r, ok := s.TypeSpecific[c.Type]; ok && r != "" {
		return r
	}
	if s.AutoResolveWhenPossible && c.CanAutoResolve() {
		return c.Auto
	}
	return s.DefaultResolution
}

// Outcome 单个冲突的处理结果
type Outcome struct {
	Conflict   *FileConflict
	Resolution Resolution
	Backup     string
	Err        error
}

// Resolver 执行解决方案
type Resolver struct {
	cache   *cache.Cache
	remote  fs.ObjectStore
	backups *Backups
	pub     events.Publisher
	now     func() time.Time
}

// NewResolver 创建解决器
func NewResolver(c *cache.Cache, remote fs.ObjectStore, backups *Backups, pub events.Publisher) *Resolver {
	if pub == nil {
		pub = events.Discard
	}
	return &Resolver{cache: c, remote: remote, backups: backups, pub: pub, now: time.Now}
}

// SetClock 替换时间来源
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// ResolveConflict 执行一种解决方式，成功后更新基准快照
func (r *Resolver) ResolveConflict(ctx context.Context, c *FileConflict, res Resolution) error {
	var err error
	switch res {
	case KeepLocal:
		err = r.keepLocal(ctx, c)
	case KeepRemote:
		err = r.keepRemote(c)
	case MergeBoth:
		err = r.merge(ctx, c)
	case CreateBoth:
		err = r.createBoth(ctx, c)
	default:
		return fmt.Errorf("未知的解决方式: %q", res)
	}
	if err != nil {
		return syncerr.Wrap(string(res), c.Path, err)
	}

	slog.Info("冲突已解决", "path", c.Path, "type", c.Type, "resolution", res)
	r.pub.Publish(events.Event{
		Kind:    events.ConflictResolved,
		Path:    c.Path,
		Message: string(res),
		Payload: c,
		At:      r.now(),
	})
	return nil
}

// ResolveConflicts 按策略逐个解决；没有可用方案的冲突记为 ErrConflictUnresolved
func (r *Resolver) ResolveConflicts(ctx context.Context, conflicts []*FileConflict, s Strategy) []Outcome {
	out := make([]Outcome, 0, len(conflicts))
	for _, c := range conflicts {
		o := Outcome{Conflict: c, Resolution: s.Choose(c)}
		if o.Resolution == "" {
			o.Err = fmt.Errorf("%w: %s", syncerr.ErrConflictUnresolved, c.Path)
			out = append(out, o)
			continue
		}
		if err := ctx.Err(); err != nil {
			o.Err = fmt.Errorf("%w: %v", syncerr.ErrCancelled, err)
			out = append(out, o)
			continue
		}

		if s.CreateBackups && c.Local.Exists && r.backups != nil {
			bp, err := r.backups.CreateBackup(c.Path, c.Local.Content)
			if err != nil {
				o.Err = err
				out = append(out, o)
				continue
			}
			o.Backup = bp
		}
		o.Err = r.ResolveConflict(ctx, c, o.Resolution)
		out = append(out, o)
	}
	return out
}

// 本地已删除时传播删除
func (r *Resolver) keepLocal(ctx context.Context, c *FileConflict) error {
	if !c.Local.Exists {
		if err := r.remote.Delete(ctx, c.Path); err != nil {
			return syncerr.Store(err)
		}
		return r.cache.ForgetBase(c.Path)
	}
	if err := r.remote.Put(ctx, c.Path, c.Local.Content); err != nil {
		return syncerr.Store(err)
	}
	return r.cache.MarkSynced(c.Path, cache.Checksum(c.Local.Content), c.Local.Modified)
}

func (r *Resolver) keepRemote(c *FileConflict) error {
	if !c.Remote.Exists {
		if err := r.cache.Delete(c.Path); err != nil {
			return syncerr.Store(err)
		}
		return r.cache.ForgetBase(c.Path)
	}
	f, err := r.cache.Put(c.Path, c.Remote.Content, c.Remote.Modified)
	if err != nil {
		return syncerr.Store(err)
	}
	return r.cache.MarkSynced(c.Path, f.Checksum, f.Modified)
}

func (r *Resolver) merge(ctx context.Context, c *FileConflict) error {
	if !c.Local.Exists || !c.Remote.Exists {
		return fmt.Errorf("合并需要两侧都存在")
	}
	merged := []byte(Merge(string(c.Local.Content), string(c.Remote.Content)))
	return r.writeBoth(ctx, c.Path, merged)
}

func (r *Resolver) createBoth(ctx context.Context, c *FileConflict) error {
	if c.Local.Exists {
		if err := r.writeBoth(ctx, c.Path+"_local", c.Local.Content); err != nil {
			return err
		}
	}
	if c.Remote.Exists {
		if err := r.writeBoth(ctx, c.Path+"_remote", c.Remote.Content); err != nil {
			return err
		}
	}
	if err := r.remote.Delete(ctx, c.Path); err != nil {
		return syncerr.Store(err)
	}
	if err := r.cache.Delete(c.Path); err != nil {
		return syncerr.Store(err)
	}
	return r.cache.ForgetBase(c.Path)
}

func (r *Resolver) writeBoth(ctx context.Context, path string, content []byte) error {
	f, err := r.cache.Put(path, content, r.now())
	if err != nil {
		return syncerr.Store(err)
	}
	if err := r.remote.Put(ctx, path, content); err != nil {
		return syncerr.Store(err)
	}
	return r.cache.MarkSynced(path, f.Checksum, f.Modified)
}
