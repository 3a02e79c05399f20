package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notesync/internal/cache"
	"notesync/internal/op"
	"notesync/internal/queue"
	"notesync/internal/syncerr"
)

// AutoSyncConfig 自动同步的触发条件
type AutoSyncConfig struct {
	Enabled          bool
	Interval         time.Duration
	DebounceDelay    time.Duration
	SyncOnFileChange bool
	SyncOnAppStart   bool
	SyncOnAppResume  bool
	MaxRetries       int
	RetryDelay       time.Duration
	ExcludePatterns  []string
}

// DefaultAutoSyncConfig 默认值
func DefaultAutoSyncConfig() AutoSyncConfig {
	return AutoSyncConfig{
		Enabled:          true,
		Interval:         15 * time.Minute,
		DebounceDelay:    2 * time.Second,
		SyncOnFileChange: true,
		SyncOnAppStart:   true,
		SyncOnAppResume:  true,
		MaxRetries:       op.DefaultMaxRetries,
		RetryDelay:       30 * time.Second,
	}
}

// Excluded 路径是否匹配任一排除模式。
// path.Match 语法，同时匹配完整路径和文件名；"**/x" 匹配任意层级下的 x
func (c AutoSyncConfig) Excluded(p string) bool {
	base := path.Base(p)
	for _, pattern := range c.ExcludePatterns {
		if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
			if matchAnyDepth(rest, p) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func matchAnyDepth(pattern, p string) bool {
	for {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		i := strings.IndexByte(p, '/')
		if i < 0 {
			return false
		}
		p = p[i+1:]
	}
}

// DefaultProcessorInterval 队列处理器的轮询间隔
const DefaultProcessorInterval = 5 * time.Second

// ManagerOptions 初始化选项
type ManagerOptions struct {
	Engine            *Engine
	Queue             *queue.Queue
	Factory           *op.Factory
	AutoSync          AutoSyncConfig
	ProcessorInterval time.Duration
}

// Manager 队列处理器加自动同步协调器
type Manager struct {
	engine  *Engine
	queue   *queue.Queue
	factory *op.Factory
	cfg     AutoSyncConfig
	tick    time.Duration
	now     func() time.Time

	// processing 保证同一时间只有一个队列处理过程
	processing atomic.Bool
	// syncing 保证自动触发的全量同步不重叠
	syncing atomic.Bool
	paused  atomic.Bool

	mu        sync.Mutex
	holdUntil time.Time
	debounce  *time.Timer
	changed   map[string]bool
	// closed 之后不再启动新的去抖同步；flushes 跟踪已经触发的
	closed  bool
	flushes sync.WaitGroup

	loopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.ProcessorInterval <= 0 {
		opts.ProcessorInterval = DefaultProcessorInterval
	}
	if opts.Factory == nil {
		opts.Factory = op.NewFactory()
	}
	return &Manager{
		engine:  opts.Engine,
		queue:   opts.Queue,
		factory: opts.Factory,
		cfg:     opts.AutoSync,
		tick:    opts.ProcessorInterval,
		now:     time.Now,
		changed: make(map[string]bool),
	}
}

// SetClock 替换时间来源 (只影响重试等待)
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Config 当前自动同步配置
func (m *Manager) Config() AutoSyncConfig {
	return m.cfg
}

// Start 恢复中断的操作，启动处理器和周期同步。ctx 取消或 Stop 后退出
func (m *Manager) Start(ctx context.Context) error {
	if m.stop != nil {
		return errors.New("manager already started")
	}
	if _, err := m.queue.RecoverInterrupted(); err != nil {
		return fmt.Errorf("恢复队列失败: %w", err)
	}

	m.mu.Lock()
	m.closed = false
	m.loopCtx, m.stop = context.WithCancel(ctx)
	m.mu.Unlock()
	m.wg.Add(1)
	go m.processorLoop(m.loopCtx)

	if m.cfg.Enabled && m.cfg.Interval > 0 {
		m.wg.Add(1)
		go m.autoSyncLoop(m.loopCtx)
	}
	slog.Info("同步管理器已启动",
		"processor_interval", m.tick,
		"auto_sync", m.cfg.Enabled,
		"interval", m.cfg.Interval,
	)
	return nil
}

// Stop 停止所有后台循环并等待正在执行的任务结束
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
		m.wg.Wait()
	}
	m.flushes.Wait()
	if stop != nil {
		slog.Info("同步管理器已停止")
	}
}

func (m *Manager) processorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
				slog.Debug("队列处理跳过", "error", err)
			}
		}
	}
}

func (m *Manager) autoSyncLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.paused.Load() {
				m.triggerSync(ctx, "interval")
			}
		}
	}
}

// ProcessQueue 取出一个操作并执行。返回是否处理了操作。
// 已有处理过程在执行、暂停中、重试等待中或队列为空时直接返回 false
func (m *Manager) ProcessQueue(ctx context.Context) (bool, error) {
	if !m.processing.CompareAndSwap(false, true) {
		return false, nil
	}
	defer m.processing.Store(false)

	if m.paused.Load() {
		return false, nil
	}
	m.mu.Lock()
	hold := m.holdUntil
	m.mu.Unlock()
	if m.now().Before(hold) {
		return false, nil
	}
	if err := m.engine.Online(ctx); err != nil {
		return false, err
	}

	o, err := m.queue.Dequeue()
	if err != nil {
		return false, syncerr.Store(err)
	}
	if o == nil {
		return false, nil
	}

	slog.Info("执行同步操作", "op", o)
	if err := m.dispatch(ctx, o); err != nil {
		slog.Error("同步操作失败", "op_id", o.ID, "path", o.FilePath, "type", o.Type, "error", err)
		if mErr := m.queue.MarkAsFailed(o.ID, err.Error()); mErr != nil {
			return true, mErr
		}
		if m.cfg.RetryDelay > 0 {
			m.mu.Lock()
			m.holdUntil = m.now().Add(m.cfg.RetryDelay)
			m.mu.Unlock()
		}
		return true, err
	}
	return true, m.queue.MarkAsCompleted(o.ID)
}

func (m *Manager) dispatch(ctx context.Context, o *op.Operation) error {
	switch o.Type {
	case op.Upload:
		return m.engine.Upload(ctx, o.FilePath)
	case op.Download:
		return m.engine.Download(ctx, o.FilePath)
	case op.Delete:
		return m.engine.Delete(ctx, o.FilePath)
	}
	return fmt.Errorf("未知的操作类型: %s", o.Type)
}

func (m *Manager) schedule(p string, typ op.Type, meta map[string]string) (*op.Operation, error) {
	o := m.factory.Create(p, typ, m.cfg.MaxRetries, meta)
	return m.queue.Enqueue(o)
}

// ScheduleUpload 排队上传
func (m *Manager) ScheduleUpload(p string, meta map[string]string) (*op.Operation, error) {
	return m.schedule(p, op.Upload, meta)
}

// ScheduleDownload 排队下载
func (m *Manager) ScheduleDownload(p string, meta map[string]string) (*op.Operation, error) {
	return m.schedule(p, op.Download, meta)
}

// ScheduleDelete 排队删除
func (m *Manager) ScheduleDelete(p string, meta map[string]string) (*op.Operation, error) {
	return m.schedule(p, op.Delete, meta)
}

// SyncNow 立即全量同步，不经过队列
func (m *Manager) SyncNow(ctx context.Context) (*Report, error) {
	return m.engine.FullSync(ctx)
}

// SyncFiles 立即同步指定路径，不经过队列
func (m *Manager) SyncFiles(ctx context.Context, paths []string) (*Report, error) {
	return m.engine.SyncFiles(ctx, paths)
}

// triggerSync 自动触发的全量同步，重叠的触发直接合并掉
func (m *Manager) triggerSync(ctx context.Context, reason string) {
	if !m.syncing.CompareAndSwap(false, true) {
		slog.Info("上一轮同步尚未结束，跳过本次触发", "reason", reason)
		return
	}
	defer m.syncing.Store(false)

	slog.Info(">>> 开始同步", "reason", reason)
	r, err := m.engine.FullSync(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		slog.Warn("同步被中断")
	case err != nil:
		slog.Error("同步错误", "error", err)
	}
	if r != nil {
		slog.Info("<<< 同步结束", "changed", r.Changed(), "conflicts", len(r.Conflicts), "duration", r.Duration)
	}
}

// NotifyFileChanged 本地文件变化。去抖后把累积的路径一起同步
func (m *Manager) NotifyFileChanged(p string) {
	if !m.cfg.SyncOnFileChange || m.paused.Load() {
		return
	}
	if cache.IsBackupPath(p) || m.cfg.Excluded(p) {
		slog.Debug("忽略排除的路径", "path", p)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.changed[p] = true
	m.armDebounce()
}

// armDebounce 重新开始去抖计时，调用方持有 mu
func (m *Manager) armDebounce() {
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(m.cfg.DebounceDelay, m.runFlush)
}

// runFlush 去抖计时器到期。Stop 会等待已经开始的 flush
func (m *Manager) runFlush() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.flushes.Add(1)
	m.mu.Unlock()
	defer m.flushes.Done()
	m.flushChanged()
}

func (m *Manager) flushChanged() {
	m.mu.Lock()
	m.debounce = nil
	// 暂停期间保留累积的路径，Resume 时再触发
	if m.paused.Load() {
		m.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(m.changed))
	for p := range m.changed {
		paths = append(paths, p)
	}
	m.changed = make(map[string]bool)
	ctx := m.loopCtx
	m.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sort.Strings(paths)

	slog.Info("文件变化触发同步", "count", len(paths))
	r, err := m.engine.SyncFiles(ctx, paths)
	if err != nil {
		slog.Error("文件变化同步失败，改为排队", "error", err)
		// 离线时整批交给队列重试，否则只排队失败的路径
		if r != nil {
			paths = paths[:0]
			for p := range r.Errors {
				paths = append(paths, p)
			}
			sort.Strings(paths)
		}
		m.enqueueChanged(paths)
		return
	}
	slog.Info("文件变化同步完成", "changed", r.Changed(), "conflicts", len(r.Conflicts))
}

// enqueueChanged 本地还在的路径排队上传，已删除的排队删除
func (m *Manager) enqueueChanged(paths []string) {
	meta := map[string]string{"trigger": "file_change"}
	for _, p := range paths {
		var err error
		if _, gErr := m.engine.opts.Cache.Get(p); errors.Is(gErr, cache.ErrNotCached) {
			_, err = m.ScheduleDelete(p, meta)
		} else {
			_, err = m.ScheduleUpload(p, meta)
		}
		if err != nil {
			slog.Error("排队失败", "path", p, "error", err)
		}
	}
}

// AppStarted 应用启动
func (m *Manager) AppStarted(ctx context.Context) {
	if m.cfg.SyncOnAppStart && !m.paused.Load() {
		m.triggerSync(ctx, "app_start")
	}
}

// AppResumed 应用回到前台
func (m *Manager) AppResumed(ctx context.Context) {
	if m.cfg.SyncOnAppResume && !m.paused.Load() {
		m.triggerSync(ctx, "app_resume")
	}
}

// Pause 暂停处理器和所有自动触发
func (m *Manager) Pause() {
	m.paused.Store(true)
	m.mu.Lock()
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.mu.Unlock()
	slog.Info("同步已暂停")
}

// Resume 恢复处理器和自动触发
func (m *Manager) Resume() {
	m.paused.Store(false)
	m.mu.Lock()
	if len(m.changed) > 0 && !m.closed {
		m.armDebounce()
	}
	m.mu.Unlock()
	slog.Info("同步已恢复")
}

// IsPaused 是否暂停中
func (m *Manager) IsPaused() bool {
	return m.paused.Load()
}

// Reset 清空队列并丢弃所有同步快照；下一轮全量同步会重新建立关联
func (m *Manager) Reset() error {
	if err := m.queue.ClearQueue(); err != nil {
		return err
	}
	if err := m.engine.opts.Cache.ResetBases(); err != nil {
		return syncerr.Store(err)
	}
	m.mu.Lock()
	m.holdUntil = time.Time{}
	m.changed = make(map[string]bool)
	m.mu.Unlock()
	slog.Info("同步状态已重置")
	return nil
}
