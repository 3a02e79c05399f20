package conflict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"notesync/internal/cache"
	"notesync/internal/events"
	"notesync/internal/fs"
	"notesync/internal/syncerr"
)

// Detector 比较本地缓存和远端对象
type Detector struct {
	cache  *cache.Cache
	remote fs.ObjectStore
	pub    events.Publisher
	now    func() time.Time
}

// NewDetector 创建检测器；pub 为 nil 时不发事件
func NewDetector(c *cache.Cache, remote fs.ObjectStore, pub events.Publisher) *Detector {
	if pub == nil {
		pub = events.Discard
	}
	return &Detector{cache: c, remote: remote, pub: pub, now: time.Now}
}

// SetClock 替换时间来源
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// DetectFileConflict 检测单个路径。
// 没有冲突或任一侧探测失败时返回 nil，探测失败不会被当成冲突
func (d *Detector) DetectFileConflict(ctx context.Context, path string) *FileConflict {
	local, err := d.localVersion(path)
	if err != nil {
		slog.Warn("读取本地缓存失败，跳过冲突检测", "path", path, "error", err)
		return nil
	}
	remote, err := d.remoteVersion(ctx, path)
	if err != nil {
		slog.Warn("读取远端失败，跳过冲突检测", "path", path, "error", err)
		return nil
	}

	c := Classify(path, local, remote)
	if c == nil {
		return nil
	}
	c.DetectedAt = d.now()
	d.pub.Publish(events.Event{
		Kind:    events.ConflictDetected,
		Path:    path,
		Message: c.Description,
		Payload: c,
	})
	return c
}

// DetectAllConflicts 检测本地缓存与远端列表的并集
func (d *Detector) DetectAllConflicts(ctx context.Context) ([]*FileConflict, error) {
	localPaths, err := d.cache.Paths("")
	if err != nil {
		return nil, syncerr.Store(err)
	}
	remoteKeys, err := d.remote.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrNetworkUnavailable, err)
	}

	seen := make(map[string]struct{}, len(localPaths)+len(remoteKeys))
	for _, p := range localPaths {
		seen[p] = struct{}{}
	}
	for _, k := range remoteKeys {
		if fs.IsFolderMarker(k) || cache.IsBackupPath(k) {
			continue
		}
		seen[k] = struct{}{}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []*FileConflict
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if c := d.DetectFileConflict(ctx, p); c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Detector) localVersion(path string) (Version, error) {
	f, err := d.cache.Get(path)
	if errors.Is(err, cache.ErrNotCached) {
		return Version{}, nil
	}
	if err != nil {
		return Version{}, err
	}
	return Version{Exists: true, Content: f.Content, Modified: f.Modified}, nil
}

func (d *Detector) remoteVersion(ctx context.Context, path string) (Version, error) {
	obj, err := d.remote.Get(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return Version{}, nil
	}
	if err != nil {
		return Version{}, err
	}
	return Version{Exists: true, Content: obj.Data, Modified: obj.ModTime}, nil
}

// Classify 根据两侧状态分类，不需要 I/O
func Classify(path string, local, remote Version) *FileConflict {
	if !local.Exists && !remote.Exists {
		return nil
	}
	c := &FileConflict{Path: path, Local: local, Remote: remote}

	if !local.Exists || !remote.Exists {
		c.Type = TypeDelete
		c.Severity = ClassifySeverity(0, c.TimeGap())
	} else {
		if bytes.Equal(local.Content, remote.Content) {
			return nil
		}
		c.Similarity = Similarity(string(local.Content), string(remote.Content))
		c.Type = TypeContent
		if c.Similarity > 0.9 {
			c.Type = TypeTimestamp
		}
		c.Severity = ClassifySeverity(c.Similarity, c.TimeGap())
	}

	c.Suggested = SuggestedResolutions(c.Type)
	c.Auto = AutoResolution(c.Type, c.Severity, c.Similarity)
	c.Description = describe(c)
	return c
}
