package local

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"notesync/internal/fs"
)

// Adapter 以本地目录作为远端对象存储 (挂载的网盘、NAS 共享目录等)
type Adapter struct {
	rootDir string // 本地绝对路径根目录
}

// NewAdapter 创建一个新的目录存储
func NewAdapter(rootDir string) *Adapter {
	// 确保 rootDir 是绝对路径
	absDir, err := filepath.Abs(rootDir)
	if err != nil {
		absDir = rootDir
	}
	return &Adapter{rootDir: absDir}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.rootDir
}

// toSysPath 将对象键转换为本地系统绝对路径
// 输入: "docs/file.txt" -> 输出 (Windows): "D:\Data\docs\file.txt"
func (a *Adapter) toSysPath(key string) string {
	return filepath.Join(a.rootDir, filepath.FromSlash(strings.TrimSuffix(key, "/")))
}

// toKey 将本地系统绝对路径转换为统一的对象键
func (a *Adapter) toKey(fullPath string, isDir bool) (string, error) {
	rel, err := filepath.Rel(a.rootDir, fullPath)
	if err != nil {
		return "", err
	}
	key := filepath.ToSlash(rel)
	if isDir {
		key += "/"
	}
	return key, nil
}

// Ping 根目录可访问即视为在线 (网络共享断开时 Stat 会失败)
func (a *Adapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(a.rootDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("根路径不是目录: %s", a.rootDir)
	}
	return nil
}

// Put 先写临时文件再重命名，避免读到写了一半的内容
func (a *Adapter) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath := a.toSysPath(key)

	if fs.IsFolderMarker(key) {
		return os.MkdirAll(fullPath, 0755)
	}

	// 1. 确保父目录存在
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	// 2. 写入临时文件
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".notesync-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("写入数据失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	// 3. 原子替换
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("重命名失败: %w", err)
	}
	return nil
}

// Get 读取文件内容和修改时间
func (a *Adapter) Get(ctx context.Context, key string) (*fs.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath := a.toSysPath(key)
	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fs.ErrNotExist
		}
		return nil, err
	}

	if fs.IsFolderMarker(key) {
		if !info.IsDir() {
			return nil, fs.ErrNotExist
		}
		return &fs.Object{Key: key, ModTime: info.ModTime()}, nil
	}
	if info.IsDir() {
		return nil, fs.ErrNotExist
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, err
	}
	return &fs.Object{Key: key, Data: data, ModTime: info.ModTime()}, nil
}

// Delete 删除文件；文件夹标记只删除空目录
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(a.toSysPath(key))
	if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return err
	}
	return nil
}

// Exists 相当于 HEAD
func (a *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.Get(ctx, key)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List 递归扫描根目录，返回前缀匹配的键 (目录以 "/" 结尾)
func (a *Adapter) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	var errs []error

	err := filepath.WalkDir(a.rootDir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, fmt.Errorf("扫描文件出错 %s: %w", path, err))
			return nil
		}
		// 跳过根目录本身
		if path == a.rootDir {
			return nil
		}
		// 跳过 Put 残留的临时文件
		if strings.HasPrefix(d.Name(), ".notesync-") {
			return nil
		}

		key, err := a.toKey(path, d.IsDir())
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%d errors occurred during file scan: %w", len(errs), errors.Join(errs...))
	}
	sort.Strings(keys)
	return keys, nil
}

// ListFolders 只读取一层目录
func (a *Adapter) ListFolders(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := a.rootDir
	base := ""
	if p := strings.Trim(prefix, "/"); p != "" {
		dir = a.toSysPath(p)
		base = p + "/"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var folders []string
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, base+e.Name()+"/")
		}
	}
	return folders, nil
}
