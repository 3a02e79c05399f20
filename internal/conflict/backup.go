package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"notesync/internal/cache"
	"notesync/internal/database"
	"notesync/internal/events"
	"notesync/internal/fs"
	"notesync/internal/syncerr"
)

const (
	backupRecordPrefix = "backup:"

	// DefaultBackupRetention 备份默认保留 7 天
	DefaultBackupRetention = 7 * 24 * time.Hour
)

// BackupRecord 备份路径到原路径的映射
type BackupRecord struct {
	Path       string    `json:"path"`
	BackupPath string    `json:"backupPath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Backups 管理 <path>.backup.<epoch-ms> 形式的本地备份
type Backups struct {
	cache  *cache.Cache
	kv     database.KV
	remote fs.ObjectStore
	pub    events.Publisher
	now    func() time.Time
}

// NewBackups 创建备份管理；kv 用来存放映射记录
func NewBackups(c *cache.Cache, kv database.KV, remote fs.ObjectStore, pub events.Publisher) *Backups {
	if pub == nil {
		pub = events.Discard
	}
	return &Backups{cache: c, kv: kv, remote: remote, pub: pub, now: time.Now}
}

// SetClock 替换时间来源
func (b *Backups) SetClock(now func() time.Time) {
	b.now = now
}

// CreateBackup 把内容存到本地备份路径并记录映射，返回备份路径
func (b *Backups) CreateBackup(path string, content []byte) (string, error) {
	now := b.now()
	backupPath := fmt.Sprintf("%s.backup.%d", path, now.UnixMilli())
	if _, err := b.cache.Put(backupPath, content, now); err != nil {
		return "", syncerr.Store(err)
	}

	rec := BackupRecord{Path: path, BackupPath: backupPath, CreatedAt: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("序列化失败: %w", err)
	}
	if err := b.kv.Set(backupRecordPrefix+backupPath, data); err != nil {
		return "", syncerr.Store(err)
	}

	slog.Info("已创建备份", "path", path, "backup", backupPath)
	b.pub.Publish(events.Event{Kind: events.ConflictBackup, Path: path, Message: backupPath, At: now})
	return backupPath, nil
}

// Record 读取备份记录
func (b *Backups) Record(backupPath string) (*BackupRecord, error) {
	data, err := b.kv.Get(backupRecordPrefix + backupPath)
	if err != nil {
		return nil, err
	}
	var rec BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("解析备份记录失败 key=%s: %w", backupPath, err)
	}
	return &rec, nil
}

// List 列出某个路径的所有备份记录；path 为空时列出全部
func (b *Backups) List(path string) ([]BackupRecord, error) {
	keys, err := b.kv.Keys(backupRecordPrefix + path)
	if err != nil {
		return nil, err
	}
	var out []BackupRecord
	for _, k := range keys {
		rec, err := b.Record(strings.TrimPrefix(k, backupRecordPrefix))
		if err != nil {
			slog.Warn("跳过损坏的备份记录", "key", k, "error", err)
			continue
		}
		if path == "" || rec.Path == path {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// RestoreBackup 把备份内容写回原路径 (本地和远端)，然后删除备份和记录
func (b *Backups) RestoreBackup(ctx context.Context, backupPath string) error {
	rec, err := b.Record(backupPath)
	if err != nil {
		return fmt.Errorf("找不到备份记录 %s: %w", backupPath, err)
	}
	f, err := b.cache.Get(backupPath)
	if err != nil {
		return syncerr.Wrap("restore", rec.Path, syncerr.Store(err))
	}

	restored, err := b.cache.Put(rec.Path, f.Content, b.now())
	if err != nil {
		return syncerr.Wrap("restore", rec.Path, syncerr.Store(err))
	}
	if err := b.remote.Put(ctx, rec.Path, f.Content); err != nil {
		return syncerr.Wrap("restore", rec.Path, syncerr.Store(err))
	}
	if err := b.cache.MarkSynced(rec.Path, restored.Checksum, restored.Modified); err != nil {
		return syncerr.Store(err)
	}
	return b.drop(backupPath)
}

// CleanupBackups 删除早于 olderThan 的备份 (<=0 时使用 7 天)，返回删除数量
func (b *Backups) CleanupBackups(olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultBackupRetention
	}
	cutoff := b.now().Add(-olderThan)

	paths, err := b.cache.AllPaths("")
	if err != nil {
		return 0, syncerr.Store(err)
	}
	removed := 0
	for _, p := range paths {
		ts, ok := cache.BackupTime(p)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := b.drop(p); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		slog.Info("已清理过期备份", "count", removed)
	}
	return removed, nil
}

func (b *Backups) drop(backupPath string) error {
	if err := b.cache.Delete(backupPath); err != nil {
		return syncerr.Store(err)
	}
	if err := b.kv.Delete(backupRecordPrefix + backupPath); err != nil && !errors.Is(err, database.ErrNotFound) {
		return syncerr.Store(err)
	}
	return nil
}
