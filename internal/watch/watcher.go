// Package watch 递归监听本地工作目录，把文件变化转换为相对路径事件
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op 文件操作
type Op int

const (
	OpWrite Op = iota
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "remove"
	}
	return "write"
}

// Event 工作目录中的一次变化，Path 为 "/" 分隔的相对路径
type Event struct {
	Path string
	Op   Op
}

// 本地适配器写文件时使用的临时文件前缀
const tempPrefix = ".notesync-"

// Watcher 递归监听一个目录。新建的子目录会自动加入监听
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New 创建监听器，需要调用 Start 后才会产生事件
func New(root string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:    filepath.Clean(root),
		watcher: w,
		events:  make(chan Event, 100),
		done:    make(chan struct{}),
	}, nil
}

// Start 添加根目录及所有子目录
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}
	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	slog.Info("开始监听本地目录", "root", w.root)
	return nil
}

// Stop 停止监听并关闭事件通道
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.events)
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events 事件通道，Stop 后关闭
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if out, ok := w.convert(ev); ok {
				select {
				case w.events <- out:
				case <-w.done:
					return
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("文件监听错误", "error", err)
		}
	}
}

// convert 过滤并转换 fsnotify 事件。新目录加入监听并产生一条目录事件
func (w *Watcher) convert(ev fsnotify.Event) (Event, bool) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, tempPrefix) || (ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write)) {
		return Event{}, false
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Event{}, false
	}
	rel = filepath.ToSlash(rel)

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		return Event{Path: rel, Op: OpRemove}, true
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return Event{}, false
	}
	if info.IsDir() {
		if !ev.Has(fsnotify.Create) || strings.HasPrefix(name, ".") {
			return Event{}, false
		}
		if err := w.addTree(ev.Name); err != nil {
			slog.Warn("监听新目录失败", "dir", ev.Name, "error", err)
		}
		// 移入的目录里已有文件，由消费方按目录整体导入
		return Event{Path: rel, Op: OpWrite}, true
	}
	return Event{Path: rel, Op: OpWrite}, true
}
