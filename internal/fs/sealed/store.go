// Package sealed 给任意对象存储加上内容加密和可选的文件名加密
package sealed

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"notesync/internal/crypto"
	"notesync/internal/fs"
)

// Store 加密装饰器，实现 fs.ObjectStore
type Store struct {
	inner            fs.ObjectStore
	key              []byte
	encryptFilenames bool
}

// New 包装 inner。key 必须是 32 字节 (crypto.DeriveKey 的输出)
func New(inner fs.ObjectStore, key []byte, encryptFilenames bool) *Store {
	return &Store{inner: inner, key: key, encryptFilenames: encryptFilenames}
}

// Ping 透传给内层存储
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.inner.(fs.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// encryptKey 加密路径的每个部分，保留文件夹标记的 "/" 结尾
func (s *Store) encryptKey(plainKey string) (string, error) {
	if !s.encryptFilenames || plainKey == "" {
		return plainKey, nil
	}
	marker := fs.IsFolderMarker(plainKey)
	parts := strings.Split(strings.TrimSuffix(plainKey, "/"), "/")
	for i, part := range parts {
		encrypted, err := crypto.EncryptName(part, s.key)
		if err != nil {
			return "", fmt.Errorf("加密路径 '%s' 的部分 '%s' 失败: %w", plainKey, part, err)
		}
		parts[i] = encrypted
	}
	out := path.Join(parts...)
	if marker {
		out += "/"
	}
	return out, nil
}

// decryptKey 解密路径的每个部分，失败时把该部分当成明文
func (s *Store) decryptKey(encKey string) string {
	if !s.encryptFilenames || encKey == "" {
		return encKey
	}
	marker := fs.IsFolderMarker(encKey)
	parts := strings.Split(strings.TrimSuffix(encKey, "/"), "/")
	for i, part := range parts {
		decrypted, err := crypto.DecryptName(part, s.key)
		if err != nil {
			slog.Debug("解密路径失败 (可能为非加密文件)，当成普通文件名处理", "key", encKey, "part", part)
			continue
		}
		parts[i] = decrypted
	}
	out := path.Join(parts...)
	if marker {
		out += "/"
	}
	return out
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	encKey, err := s.encryptKey(key)
	if err != nil {
		return err
	}
	if fs.IsFolderMarker(key) {
		return s.inner.Put(ctx, encKey, nil)
	}
	sealedData, err := crypto.Seal(data, s.key)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, encKey, sealedData)
}

func (s *Store) Get(ctx context.Context, key string) (*fs.Object, error) {
	encKey, err := s.encryptKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.inner.Get(ctx, encKey)
	if err != nil {
		return nil, err
	}
	out := &fs.Object{Key: key, ModTime: obj.ModTime}
	if fs.IsFolderMarker(key) {
		return out, nil
	}
	out.Data, err = crypto.Open(obj.Data, s.key)
	if err != nil {
		return nil, fmt.Errorf("解密 %s 失败: %w", key, err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	encKey, err := s.encryptKey(key)
	if err != nil {
		return err
	}
	return s.inner.Delete(ctx, encKey)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	encKey, err := s.encryptKey(key)
	if err != nil {
		return false, err
	}
	return s.inner.Exists(ctx, encKey)
}

// List 只能加密完整的路径段，所以先按目录部分列出再按明文前缀过滤
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	dir := ""
	if idx := strings.LastIndex(prefix, "/"); idx >= 0 {
		dir = prefix[:idx+1]
	}
	encDir, err := s.encryptKey(dir)
	if err != nil {
		return nil, err
	}
	keys, err := s.inner.List(ctx, encDir)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		plain := s.decryptKey(k)
		if strings.HasPrefix(plain, prefix) {
			out = append(out, plain)
		}
	}
	return out, nil
}

func (s *Store) ListFolders(ctx context.Context, prefix string) ([]string, error) {
	encPrefix, err := s.encryptKey(fs.FolderMarker(prefix))
	if err != nil {
		return nil, err
	}
	folders, err := s.inner.ListFolders(ctx, encPrefix)
	if err != nil {
		return nil, err
	}
	for i, f := range folders {
		folders[i] = s.decryptKey(f)
	}
	return folders, nil
}
