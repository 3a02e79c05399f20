package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"notesync/internal/batch"
	"notesync/internal/cache"
	"notesync/internal/conflict"
	"notesync/internal/fs"
	"notesync/internal/syncerr"
)

// EngineOptions 初始化选项
type EngineOptions struct {
	Cache     *cache.Cache
	Remote    fs.ObjectStore
	Conflicts *conflict.Manager
	// MaxWorkers 同时执行的任务数和远端扫描并发数
	MaxWorkers int
}

// Engine 单文件同步原语和全量三方同步
type Engine struct {
	opts *EngineOptions
	svc  *batch.Service
}

func NewEngine(opts *EngineOptions) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 3
	}
	return &Engine{opts: opts, svc: batch.NewService(opts.Cache, opts.Remote)}
}

// Batch 底层批量服务，批量和文件夹操作直接用它
func (e *Engine) Batch() *batch.Service {
	return e.svc
}

// Online 探测远端连通性
func (e *Engine) Online(ctx context.Context) error {
	return e.svc.Online(ctx)
}

// Upload 推送本地副本
func (e *Engine) Upload(ctx context.Context, path string) error {
	slog.Info("开始上传", "path", path)
	return e.svc.UploadFile(ctx, path)
}

// Download 拉取远端对象
func (e *Engine) Download(ctx context.Context, path string) error {
	slog.Info("开始下载", "path", path)
	return e.svc.DownloadFile(ctx, path)
}

// Delete 两侧删除
func (e *Engine) Delete(ctx context.Context, path string) error {
	slog.Info("开始删除", "path", path)
	return e.svc.DeleteFile(ctx, path)
}

// snapshot 三方状态
type snapshot struct {
	local  map[string]*meta
	remote map[string]*meta
	base   map[string]*cache.Snapshot
}

// FullSync 执行一次完整的同步周期
func (e *Engine) FullSync(ctx context.Context) (*Report, error) {
	start := time.Now()
	snap, err := e.scan(ctx, nil)
	if err != nil {
		return nil, err
	}
	r := e.run(ctx, snap)
	r.Duration = time.Since(start)
	return r, r.Err()
}

// SyncFiles 只同步指定路径
func (e *Engine) SyncFiles(ctx context.Context, paths []string) (*Report, error) {
	start := time.Now()
	if len(paths) == 0 {
		return newReport(), nil
	}
	snap, err := e.scan(ctx, paths)
	if err != nil {
		return nil, err
	}
	r := e.run(ctx, snap)
	r.Duration = time.Since(start)
	return r, r.Err()
}

// scan 并发获取三方状态。paths 为 nil 时扫描全部
func (e *Engine) scan(ctx context.Context, paths []string) (*snapshot, error) {
	if err := e.Online(ctx); err != nil {
		return nil, err
	}

	snap := &snapshot{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		snap.local, err = e.scanLocal(paths)
		if err != nil {
			return fmt.Errorf("scan local failed: %w", syncerr.Store(err))
		}
		return nil
	})

	g.Go(func() error {
		var err error
		snap.remote, err = e.scanRemote(gctx, paths)
		if err != nil {
			return fmt.Errorf("scan remote failed: %w", syncerr.Store(err))
		}
		return nil
	})

	g.Go(func() error {
		all, err := e.opts.Cache.Bases()
		if err != nil {
			return fmt.Errorf("scan db failed: %w", syncerr.Store(err))
		}
		snap.base = all
		if paths != nil {
			snap.base = make(map[string]*cache.Snapshot, len(paths))
			for _, p := range paths {
				if b, ok := all[p]; ok {
					snap.base[p] = b
				}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (e *Engine) scanLocal(paths []string) (map[string]*meta, error) {
	if paths == nil {
		var err error
		if paths, err = e.opts.Cache.Paths(""); err != nil {
			return nil, err
		}
	}
	out := make(map[string]*meta, len(paths))
	for _, p := range paths {
		f, err := e.opts.Cache.Get(p)
		if errors.Is(err, cache.ErrNotCached) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[p] = &meta{Checksum: f.Checksum, ModTime: f.Modified}
	}
	return out, nil
}

// scanRemote 对象存储只给出键，内容指纹需要逐个读取
func (e *Engine) scanRemote(ctx context.Context, paths []string) (map[string]*meta, error) {
	if paths == nil {
		keys, err := e.opts.Remote.List(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if !fs.IsFolderMarker(k) && !cache.IsBackupPath(k) {
				paths = append(paths, k)
			}
		}
	}

	var mu sync.Mutex
	out := make(map[string]*meta, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxWorkers)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			obj, err := e.opts.Remote.Get(gctx, p)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			mu.Lock()
			out[p] = &meta{Checksum: cache.Checksum(obj.Data), ModTime: obj.ModTime}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// plan 生成任务列表；一致但缺少快照的路径会被静默重建索引
func (e *Engine) plan(snap *snapshot, r *Report) []Task {
	allPaths := make(map[string]bool)
	for p := range snap.local {
		allPaths[p] = true
	}
	for p := range snap.remote {
		allPaths[p] = true
	}
	for p := range snap.base {
		allPaths[p] = true
	}
	sorted := make([]string, 0, len(allPaths))
	for p := range allPaths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var tasks []Task
	for _, path := range sorted {
		l, rm, b := snap.local[path], snap.remote[path], snap.base[path]
		op := compare(l, rm, b)
		switch {
		case op != OpIgnore:
			tasks = append(tasks, Task{Op: op, RelPath: path, Created: b == nil})
		case l != nil && rm != nil && (b == nil || b.Checksum != l.Checksum):
			e.rebuildIndex(path, l)
			r.Reindexed = append(r.Reindexed, path)
		case l == nil && rm == nil && b != nil:
			// 两侧都已删除，快照没用了
			if err := e.opts.Cache.ForgetBase(path); err != nil {
				slog.Warn("清理快照失败", "path", path, "err", err)
			}
		}
	}
	return tasks
}

func (e *Engine) run(ctx context.Context, snap *snapshot) *Report {
	r := newReport()
	tasks := e.plan(snap, r)

	slog.Info("同步检查完成", "发现任务数", len(tasks))
	if len(tasks) == 0 {
		return r
	}

	// 启动 Worker 池执行任务
	taskChan := make(chan Task, len(tasks))
	for _, t := range tasks {
		taskChan <- t
	}
	close(taskChan)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < e.opts.MaxWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for task := range taskChan {
				if ctx.Err() != nil {
					mu.Lock()
					r.Errors[task.RelPath] = fmt.Errorf("%w: %v", syncerr.ErrCancelled, ctx.Err())
					mu.Unlock()
					continue
				}

				unresolved, err := e.processTask(ctx, task)
				mu.Lock()
				switch {
				case err != nil:
					slog.Error("[Worker] 任务失败",
						"worker", id,
						"path", task.RelPath,
						"op", task.Op,
						"err", err,
					)
					r.Errors[task.RelPath] = err
				case unresolved != nil:
					r.Conflicts = append(r.Conflicts, unresolved)
				default:
					r.record(task)
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(r.Conflicts, func(i, j int) bool { return r.Conflicts[i].Path < r.Conflicts[j].Path })
	return r
}

// rebuildIndex 静默重建快照（不传输文件）
func (e *Engine) rebuildIndex(path string, l *meta) {
	slog.Info("重新关联文件", "path", path)
	if err := e.opts.Cache.MarkSynced(path, l.Checksum, l.ModTime); err != nil {
		slog.Error("重建索引失败", "path", path, "err", err)
	}
}

// processTask 处理单个任务；冲突无法自动解决时返回该冲突
func (e *Engine) processTask(ctx context.Context, t Task) (*conflict.FileConflict, error) {
	switch t.Op {
	case OpUpload:
		return nil, e.Upload(ctx, t.RelPath)
	case OpDownload:
		return nil, e.Download(ctx, t.RelPath)
	case OpDeleteRemote:
		if err := e.opts.Remote.Delete(ctx, t.RelPath); err != nil {
			return nil, syncerr.Wrap("delete remote", t.RelPath, syncerr.Store(err))
		}
		return nil, e.opts.Cache.ForgetBase(t.RelPath)
	case OpDeleteLocal:
		if err := e.opts.Cache.Delete(t.RelPath); err != nil {
			return nil, syncerr.Wrap("delete local", t.RelPath, syncerr.Store(err))
		}
		return nil, e.opts.Cache.ForgetBase(t.RelPath)
	case OpConflict:
		return e.resolveConflict(ctx, t)
	}
	return nil, nil
}

func (e *Engine) resolveConflict(ctx context.Context, t Task) (*conflict.FileConflict, error) {
	if e.opts.Conflicts == nil {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrConflictUnresolved, t.RelPath)
	}
	c := e.opts.Conflicts.Detect(ctx, t.RelPath)
	if c == nil {
		// 探测失败或已经一致，下一轮再看
		return nil, nil
	}
	if t.Created {
		conflict.MarkCreated(c)
	}

	out := e.opts.Conflicts.ResolveAll(ctx, []*conflict.FileConflict{c})[0]
	if errors.Is(out.Err, syncerr.ErrConflictUnresolved) {
		slog.Warn("冲突需要人工处理", "path", c.Path, "type", c.Type, "severity", c.Severity)
		return c, nil
	}
	return nil, out.Err
}
