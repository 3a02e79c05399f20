// Package memory 内存版对象存储，测试和演练时代替真正的远端
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"notesync/internal/fs"
)

// ErrOffline 模拟断网
var ErrOffline = errors.New("memory store offline")

// Store 线程安全的内存对象存储
type Store struct {
	mu      sync.RWMutex
	objects map[string]fs.Object
	offline bool
	now     func() time.Time

	// FailOn 按键注入错误，测试部分失败时使用
	failOn map[string]error
}

// New 创建空存储
func New() *Store {
	return &Store{
		objects: make(map[string]fs.Object),
		failOn:  make(map[string]error),
		now:     time.Now,
	}
}

// SetClock 替换时间来源
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetOffline 切换离线状态，离线时所有调用返回 ErrOffline
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// FailOn 让指定键上的所有操作返回 err；err 为 nil 时清除
func (s *Store) FailOn(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, key)
		return
	}
	s.failOn[key] = err
}

// PutAt 以指定修改时间写入，测试冲突检测时使用
func (s *Store) PutAt(key string, data []byte, mod time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = fs.Object{Key: key, Data: append([]byte(nil), data...), ModTime: mod}
}

func (s *Store) check(key string) error {
	if s.offline {
		return ErrOffline
	}
	if err, ok := s.failOn[key]; ok {
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return ErrOffline
	}
	return ctx.Err()
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(key); err != nil {
		return err
	}
	s.objects[key] = fs.Object{Key: key, Data: append([]byte(nil), data...), ModTime: s.now()}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*fs.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(key); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, fs.ErrNotExist
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return &obj, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(key); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(key); err != nil {
		return false, err
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, ErrOffline
	}
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) ListFolders(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var folders []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		idx := strings.Index(rest, "/")
		if idx < 0 {
			continue
		}
		folder := prefix + rest[:idx+1]
		if !seen[folder] {
			seen[folder] = true
			folders = append(folders, folder)
		}
	}
	return folders, nil
}
