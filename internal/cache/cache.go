// Package cache 把本地副本 (文件内容 + 时间戳) 和上次同步的基准快照存放在 KV 中
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"notesync/internal/database"
)

const (
	filePrefix = "file:"
	basePrefix = "base:"
)

// ErrNotCached 本地没有该路径
var ErrNotCached = database.ErrNotFound

var backupPattern = regexp.MustCompile(`\.backup\.(\d+)$`)

// File 本地缓存的一个文件
type File struct {
	Path     string    `json:"path"`
	Content  []byte    `json:"content"`
	Modified time.Time `json:"modified"`
	Checksum string    `json:"checksum"`
}

// Snapshot 文件在上次同步完成时的快照状态
// 全量同步用它判断哪一侧发生了变化
type Snapshot struct {
	// 相对路径 (作为数据库的 Key，这里也存一份冗余方便反序列化)
	Path string `json:"path"`

	// 同步时两侧一致的内容指纹
	Checksum string `json:"checksum"`

	// 本地修改时间
	ModTime time.Time `json:"mod_time"`

	// 最后一次同步的时间 (用于调试或过期策略)
	SyncedAt time.Time `json:"synced_at"`
}

// Checksum 内容指纹 (xxhash64，十六进制)
func Checksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// IsBackupPath 备份文件 (<path>.backup.<epoch-ms>) 只存在本地，不参与同步
func IsBackupPath(p string) bool {
	return backupPattern.MatchString(p)
}

// BackupTime 解析备份路径中的时间戳
func BackupTime(p string) (time.Time, bool) {
	m := backupPattern.FindStringSubmatch(p)
	if m == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Cache 本地缓存
type Cache struct {
	kv       database.KV
	now      func() time.Time
	onChange func(path string, f *File)
}

// New 创建缓存
func New(kv database.KV) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// SetClock 替换时间来源
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// OnChange 注册本地副本变化回调，删除时 f 为 nil
func (c *Cache) OnChange(fn func(path string, f *File)) {
	c.onChange = fn
}

func (c *Cache) notify(path string, f *File) {
	if c.onChange != nil {
		c.onChange(path, f)
	}
}

// Get 读取缓存文件，不存在时返回 ErrNotCached
func (c *Cache) Get(path string) (*File, error) {
	data, err := c.kv.Get(filePrefix + path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析缓存失败 path=%s: %w", path, err)
	}
	return &f, nil
}

// Put 写入内容；modified 为零值时使用当前时间
func (c *Cache) Put(path string, content []byte, modified time.Time) (*File, error) {
	if modified.IsZero() {
		modified = c.now()
	}
	f := &File{
		Path:     path,
		Content:  content,
		Modified: modified,
		Checksum: Checksum(content),
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("序列化失败: %w", err)
	}
	if err := c.kv.Set(filePrefix+path, data); err != nil {
		return nil, err
	}
	c.notify(path, f)
	return f, nil
}

// Delete 删除缓存文件
func (c *Cache) Delete(path string) error {
	if err := c.kv.Delete(filePrefix + path); err != nil {
		return err
	}
	c.notify(path, nil)
	return nil
}

// Paths 所有参与同步的缓存路径 (不含备份)
func (c *Cache) Paths(prefix string) ([]string, error) {
	all, err := c.AllPaths(prefix)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if !IsBackupPath(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// AllPaths 包括备份在内的所有缓存路径
func (c *Cache) AllPaths(prefix string) ([]string, error) {
	keys, err := c.kv.Keys(filePrefix + prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, filePrefix))
	}
	return out, nil
}

// Base 读取基准快照，没有记录时返回 (nil, nil)
func (c *Cache) Base(path string) (*Snapshot, error) {
	data, err := c.kv.Get(basePrefix + path)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("解析数据失败 key=%s: %w", path, err)
	}
	return &s, nil
}

// MarkSynced 记录两侧在 checksum 上达成一致
func (c *Cache) MarkSynced(path, checksum string, modTime time.Time) error {
	s := Snapshot{Path: path, Checksum: checksum, ModTime: modTime, SyncedAt: c.now()}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return c.kv.Set(basePrefix+path, data)
}

// ForgetBase 删除快照记录 (文件在两侧都被删除时调用)
func (c *Cache) ForgetBase(path string) error {
	return c.kv.Delete(basePrefix + path)
}

// Bases 获取所有快照，在全量同步开始时调用
func (c *Cache) Bases() (map[string]*Snapshot, error) {
	keys, err := c.kv.Keys(basePrefix)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*Snapshot, len(keys))
	for _, k := range keys {
		s, err := c.Base(strings.TrimPrefix(k, basePrefix))
		if err != nil {
			return nil, err
		}
		if s != nil {
			result[s.Path] = s
		}
	}
	return result, nil
}

// ResetBases 清空所有快照 (重置同步状态)
func (c *Cache) ResetBases() error {
	keys, err := c.kv.Keys(basePrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.kv.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
