// Package workspace 让本地工作目录和缓存保持一致：
// 磁盘上的修改导入缓存，缓存的变化 (下载、解决冲突) 导出到磁盘
package workspace

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"notesync/internal/cache"
	"notesync/internal/fs"
	"notesync/internal/fs/local"
	"notesync/internal/watch"
)

// Mirror 工作目录镜像
type Mirror struct {
	disk    *local.Adapter
	cache   *cache.Cache
	exclude func(string) bool
}

// New 创建镜像；exclude 为 nil 时不排除任何路径
func New(dir string, c *cache.Cache, exclude func(string) bool) *Mirror {
	if exclude == nil {
		exclude = func(string) bool { return false }
	}
	return &Mirror{disk: local.NewAdapter(dir), cache: c, exclude: exclude}
}

// Dir 工作目录
func (m *Mirror) Dir() string {
	return m.disk.Root()
}

// Attach 注册缓存回调，缓存变化时写回磁盘
func (m *Mirror) Attach() {
	m.cache.OnChange(func(path string, f *cache.File) {
		ctx := context.Background()
		var err error
		if f == nil {
			err = m.Remove(ctx, path)
		} else {
			err = m.Export(ctx, f)
		}
		if err != nil {
			slog.Error("写回工作目录失败", "path", path, "error", err)
		}
	})
}

func (m *Mirror) skip(path string) bool {
	return fs.IsFolderMarker(path) || cache.IsBackupPath(path) || m.exclude(path)
}

// Import 把磁盘上的一个文件导入缓存。返回缓存是否发生了变化
func (m *Mirror) Import(ctx context.Context, path string) (bool, error) {
	if m.skip(path) {
		return false, nil
	}
	obj, err := m.disk.Get(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		if _, gErr := m.cache.Get(path); errors.Is(gErr, cache.ErrNotCached) {
			return false, nil
		}
		return true, m.cache.Delete(path)
	}
	if err != nil {
		return false, err
	}

	if cur, err := m.cache.Get(path); err == nil && cur.Checksum == cache.Checksum(obj.Data) {
		return false, nil
	}
	if _, err := m.cache.Put(path, obj.Data, obj.ModTime); err != nil {
		return false, err
	}
	slog.Debug("已导入本地修改", "path", path)
	return true, nil
}

// ImportAll 扫描整个工作目录。缓存里有、磁盘上没有的路径视为本地删除
func (m *Mirror) ImportAll(ctx context.Context) (int, error) {
	changed, err := m.reconcile(ctx, "")
	if len(changed) > 0 {
		slog.Info("工作目录扫描完成", "changed", len(changed))
	}
	return len(changed), err
}

// reconcile 让 prefix 下的缓存和磁盘一致，返回变化的路径
func (m *Mirror) reconcile(ctx context.Context, prefix string) ([]string, error) {
	keys, err := m.disk.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	onDisk := make(map[string]bool, len(keys))
	var changed []string
	for _, k := range keys {
		if m.skip(k) {
			continue
		}
		onDisk[k] = true
		ok, err := m.Import(ctx, k)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = append(changed, k)
		}
	}

	cached, err := m.cache.Paths(prefix)
	if err != nil {
		return changed, err
	}
	for _, p := range cached {
		if onDisk[p] || m.exclude(p) {
			continue
		}
		if err := m.cache.Delete(p); err != nil {
			return changed, err
		}
		changed = append(changed, p)
	}
	return changed, nil
}

func (m *Mirror) isDir(path string) bool {
	info, err := os.Stat(filepath.Join(m.disk.Root(), filepath.FromSlash(path)))
	return err == nil && info.IsDir()
}

// Export 把缓存内容写到磁盘；内容相同时跳过，避免监听器回环
func (m *Mirror) Export(ctx context.Context, f *cache.File) error {
	if m.skip(f.Path) {
		return nil
	}
	if cur, err := m.disk.Get(ctx, f.Path); err == nil && cache.Checksum(cur.Data) == f.Checksum {
		return nil
	}
	return m.disk.Put(ctx, f.Path, f.Content)
}

// Remove 从磁盘删除
func (m *Mirror) Remove(ctx context.Context, path string) error {
	if m.skip(path) {
		return nil
	}
	return m.disk.Delete(ctx, path)
}

// Handle 处理一条监听事件，返回缓存中变化的路径。
// 目录被移入、移走或删除时只会收到目录本身的事件，此时整棵子树和磁盘对齐
func (m *Mirror) Handle(ctx context.Context, ev watch.Event) ([]string, error) {
	prefix := ev.Path + "/"
	if m.isDir(ev.Path) {
		return m.reconcile(ctx, prefix)
	}
	// 曾经是目录：缓存里还有它下面的文件
	if cached, err := m.cache.Paths(prefix); err == nil && len(cached) > 0 {
		return m.reconcile(ctx, prefix)
	}

	ok, err := m.Import(ctx, ev.Path)
	if err != nil || !ok {
		return nil, err
	}
	return []string{ev.Path}, nil
}
