package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"notesync/internal/cache"
	"notesync/internal/fs"
	"notesync/internal/syncerr"
)

// Service 在本地缓存和远端存储之间执行批量文件/文件夹操作
type Service struct {
	cache  *cache.Cache
	remote fs.ObjectStore
}

// NewService 创建批量服务
func NewService(c *cache.Cache, remote fs.ObjectStore) *Service {
	return &Service{cache: c, remote: remote}
}

// Online 连通性检查；远端没有实现 Pinger 时视为在线
func (s *Service) Online(ctx context.Context) error {
	p, ok := s.remote.(fs.Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrNetworkUnavailable, err)
	}
	return nil
}

func (s *Service) withOnline(opts Options) Options {
	if opts.Precondition == nil {
		opts.Precondition = s.Online
	}
	return opts
}

// UploadFiles 上传 path→content，成功后更新本地副本和基准快照
func (s *Service) UploadFiles(ctx context.Context, files map[string][]byte, opts Options) (*Result, error) {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return Run(ctx, keys, func(ctx context.Context, path string) error {
		content := files[path]
		if err := s.remote.Put(ctx, path, content); err != nil {
			return syncerr.Wrap("upload", path, syncerr.Store(err))
		}
		f, err := s.cache.Put(path, content, time.Time{})
		if err != nil {
			return syncerr.Wrap("upload", path, syncerr.Store(err))
		}
		return s.cache.MarkSynced(path, f.Checksum, f.Modified)
	}, s.withOnline(opts))
}

// UploadPaths 上传本地缓存中已有的文件
func (s *Service) UploadPaths(ctx context.Context, paths []string, opts Options) (*Result, error) {
	return Run(ctx, paths, s.UploadFile, s.withOnline(opts))
}

// UploadFile 把本地缓存中的单个文件推到远端
func (s *Service) UploadFile(ctx context.Context, path string) error {
	f, err := s.cache.Get(path)
	if err != nil {
		return syncerr.Wrap("upload", path, syncerr.Store(err))
	}
	if err := s.remote.Put(ctx, path, f.Content); err != nil {
		return syncerr.Wrap("upload", path, syncerr.Store(err))
	}
	return s.cache.MarkSynced(path, f.Checksum, f.Modified)
}

// DownloadFiles 下载远端对象并写入本地缓存
func (s *Service) DownloadFiles(ctx context.Context, paths []string, opts Options) (*Result, error) {
	return Run(ctx, paths, s.DownloadFile, s.withOnline(opts))
}

// DownloadFile 拉取单个远端对象
func (s *Service) DownloadFile(ctx context.Context, path string) error {
	obj, err := s.remote.Get(ctx, path)
	if err != nil {
		return syncerr.Wrap("download", path, syncerr.Store(err))
	}
	f, err := s.cache.Put(path, obj.Data, obj.ModTime)
	if err != nil {
		return syncerr.Wrap("download", path, syncerr.Store(err))
	}
	return s.cache.MarkSynced(path, f.Checksum, f.Modified)
}

// DeleteFiles 在两侧删除路径
func (s *Service) DeleteFiles(ctx context.Context, paths []string, opts Options) (*Result, error) {
	return Run(ctx, paths, s.DeleteFile, s.withOnline(opts))
}

// DeleteFile 在两侧删除单个路径
func (s *Service) DeleteFile(ctx context.Context, path string) error {
	if err := s.remote.Delete(ctx, path); err != nil {
		return syncerr.Wrap("delete", path, syncerr.Store(err))
	}
	if err := s.cache.Delete(path); err != nil {
		return syncerr.Wrap("delete", path, syncerr.Store(err))
	}
	return s.cache.ForgetBase(path)
}

// UploadFolder 创建远端文件夹标记，然后上传本地该文件夹下的所有文件。
// 成员来自本地缓存，离线时照常列出，每个成员记为同一个前置条件错误
func (s *Service) UploadFolder(ctx context.Context, folder string, opts Options) (*Result, error) {
	marker := fs.FolderMarker(folder)
	paths, err := s.cache.Paths(marker)
	if err != nil {
		return nil, syncerr.Store(err)
	}

	opts = s.withOnline(opts)
	pre := opts.Precondition(ctx)
	opts.Precondition = func(context.Context) error { return pre }
	if pre == nil && marker != "" {
		if err := s.remote.Put(ctx, marker, nil); err != nil {
			return nil, syncerr.Wrap("upload folder", marker, syncerr.Store(err))
		}
	}
	return Run(ctx, paths, s.UploadFile, opts)
}

// DownloadFolder 下载远端文件夹下所有文件 (跳过子文件夹标记)。
// 成员需要远端列出，前置条件不满足时直接返回错误
func (s *Service) DownloadFolder(ctx context.Context, folder string, opts Options) (*Result, error) {
	opts = s.withOnline(opts)
	if err := opts.Precondition(ctx); err != nil {
		return nil, err
	}
	keys, err := s.remote.List(ctx, fs.FolderMarker(folder))
	if err != nil {
		return nil, syncerr.Wrap("download folder", folder, syncerr.Store(err))
	}
	return Run(ctx, memberKeys(keys), s.DownloadFile, opts)
}

// DeleteFolder 删除文件夹下的所有成员 (本地 ∪ 远端)，最后删除文件夹标记。
// 标记删除失败计为一个失败项
func (s *Service) DeleteFolder(ctx context.Context, folder string, opts Options) (*Result, error) {
	marker := fs.FolderMarker(folder)
	if marker == "" {
		return nil, errors.New("拒绝删除根目录")
	}
	opts = s.withOnline(opts)
	if err := opts.Precondition(ctx); err != nil {
		return nil, err
	}

	remoteKeys, err := s.remote.List(ctx, marker)
	if err != nil {
		return nil, syncerr.Wrap("delete folder", folder, syncerr.Store(err))
	}
	localKeys, err := s.cache.Paths(marker)
	if err != nil {
		return nil, syncerr.Store(err)
	}
	members := union(memberKeys(remoteKeys), localKeys)

	r, err := Run(ctx, members, s.DeleteFile, opts)
	if err != nil {
		return r, err
	}

	// 子文件夹标记深的先删
	markers := folderKeys(remoteKeys, marker)
	sort.Slice(markers, func(i, j int) bool { return len(markers[i]) > len(markers[j]) })
	markers = append(markers, marker)
	for _, m := range markers {
		if err := s.remote.Delete(ctx, m); err != nil {
			slog.Warn("删除文件夹标记失败", "key", m, "error", err)
			r.TotalFiles++
			r.fail(m, syncerr.Wrap("delete folder", m, syncerr.Store(err)))
		}
	}
	return r, nil
}

func memberKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !fs.IsFolderMarker(k) {
			out = append(out, k)
		}
	}
	return out
}

func folderKeys(keys []string, self string) []string {
	var out []string
	for _, k := range keys {
		if fs.IsFolderMarker(k) && k != self {
			out = append(out, k)
		}
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
