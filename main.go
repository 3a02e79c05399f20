package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"notesync/internal/cache"
	"notesync/internal/config"
	"notesync/internal/conflict"
	"notesync/internal/database"
	"notesync/internal/events"
	"notesync/internal/fs"
	"notesync/internal/fs/local"
	"notesync/internal/fs/sealed"
	"notesync/internal/queue"
	syncer "notesync/internal/sync"
	"notesync/internal/watch"
	"notesync/internal/workspace"
	"notesync/pkg/logger"
)

const version = "1.0.0"

// cleanupInterval 守护进程清理过期队列条目和冲突备份的周期
const cleanupInterval = time.Hour

var configPath string

var rootCmd = &cobra.Command{
	Use:           "notesync",
	Short:         "笔记离线同步：本地缓存、持久化队列与冲突处理",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

// app 一次进程内共享的全部组件
type app struct {
	cfg       *config.Config
	db        *database.DB
	logCloser io.Closer

	bus       *events.Bus
	cache     *cache.Cache
	remote    fs.ObjectStore
	queue     *queue.Queue
	conflicts *conflict.Manager
	engine    *syncer.Engine
	manager   *syncer.Manager
	mirror    *workspace.Mirror
}

// openApp 加载配置并按依赖顺序组装各组件。quiet 时日志只写文件
func openApp(quiet bool) (*app, error) {
	// 1. 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// 2. 初始化日志系统
	logCloser, err := logger.Setup(logger.Options{
		Level:      cfg.System.LogLevel,
		File:       cfg.System.LogFile,
		MaxSizeMB:  cfg.System.LogMaxSizeMB,
		MaxBackups: cfg.System.LogMaxBackups,
		MaxAgeDays: cfg.System.LogMaxAgeDays,
		Compress:   true,
		Quiet:      quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("日志初始化失败: %w", err)
	}

	// 3. 初始化数据库
	db, err := database.NewBoltDB(cfg.System.DBPath)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("数据库初始化失败 (%s): %w", cfg.System.DBPath, err)
	}

	a := &app{cfg: cfg, db: db, logCloser: logCloser, bus: events.NewBus()}
	a.cache = cache.New(db)

	// 4. 远端存储，启用加密时在外面包一层
	a.remote = local.NewAdapter(cfg.Sync.RemoteDir)
	if cfg.Crypto.Enable {
		a.remote = sealed.New(a.remote, cfg.Crypto.GetAESKey(), cfg.Crypto.EncryptFilenames)
		slog.Debug("加密模式: 已启用 (AES-256)", "encrypt_filenames", cfg.Crypto.EncryptFilenames)
	}

	a.queue, err = queue.New(db, a.bus)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.conflicts = conflict.NewManager(a.cache, db, a.remote, a.bus, conflict.Strategy{
		CreateBackups:           cfg.Sync.CreateBackups,
		AutoResolveWhenPossible: cfg.Sync.AutoResolve,
		DefaultResolution:       conflict.Resolution(cfg.Sync.DefaultResolution),
	})

	// 5. 初始化同步引擎和管理器
	a.engine = syncer.NewEngine(&syncer.EngineOptions{
		Cache:      a.cache,
		Remote:     a.remote,
		Conflicts:  a.conflicts,
		MaxWorkers: cfg.Sync.MaxConcurrent,
	})
	autoSync := syncer.AutoSyncConfig{
		Enabled:          cfg.AutoSync.Enabled,
		Interval:         cfg.AutoSync.IntervalDuration,
		DebounceDelay:    cfg.AutoSync.DebounceDuration,
		SyncOnFileChange: cfg.AutoSync.SyncOnFileChange,
		SyncOnAppStart:   cfg.AutoSync.SyncOnAppStart,
		SyncOnAppResume:  cfg.AutoSync.SyncOnAppResume,
		MaxRetries:       cfg.AutoSync.MaxRetries,
		RetryDelay:       cfg.AutoSync.RetryDelayDuration,
		ExcludePatterns:  cfg.AutoSync.Exclude,
	}
	a.manager = syncer.NewManager(syncer.ManagerOptions{
		Engine:            a.engine,
		Queue:             a.queue,
		AutoSync:          autoSync,
		ProcessorInterval: cfg.Sync.ProcessorIntervalDuration,
	})

	// 6. 工作目录与缓存双向对齐
	if err := os.MkdirAll(cfg.Sync.LocalDir, 0755); err != nil {
		a.Close()
		return nil, fmt.Errorf("创建工作目录失败: %w", err)
	}
	a.mirror = workspace.New(cfg.Sync.LocalDir, a.cache, autoSync.Excluded)
	a.mirror.Attach()
	if _, err := a.mirror.ImportAll(context.Background()); err != nil {
		a.Close()
		return nil, fmt.Errorf("导入工作目录失败: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		slog.Warn("关闭数据库失败", "err", err)
	}
	a.logCloser.Close()
}

// cleanup 清理过期的队列条目和冲突备份
func (a *app) cleanup() (ops, backups int, err error) {
	ops, err = a.queue.CleanupCompletedOperations(a.cfg.Sync.QueueRetentionDuration)
	if err != nil {
		return 0, 0, err
	}
	backups, err = a.conflicts.Backups.CleanupBackups(a.cfg.Sync.BackupRetentionDuration)
	return ops, backups, err
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动同步守护进程 (队列处理、自动同步、文件监听)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.serve()
	},
}

func (a *app) serve() error {
	slog.Info("NoteSync 启动中",
		"version", version,
		"log_level", a.cfg.System.LogLevel,
		"log_file", a.cfg.System.LogFile,
	)
	slog.Info("配置已加载",
		"local_dir", a.cfg.Sync.LocalDir,
		"remote_dir", a.cfg.Sync.RemoteDir,
		"interval", a.cfg.AutoSync.IntervalDuration,
		"encrypt", a.cfg.Crypto.Enable,
	)

	// 设置优雅退出
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	evs, unsubscribe := a.bus.Subscribe(64)
	defer unsubscribe()

	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	defer a.manager.Stop()

	watcher, err := watch.New(a.cfg.Sync.LocalDir)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	// 启动/恢复触发的全量同步在后台跑，退出前等它们结束
	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(a.manager.AppStarted)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	// 主循环
	for {
		select {
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			changed, err := a.mirror.Handle(ctx, ev)
			if err != nil {
				slog.Warn("同步工作目录变更失败", "path", ev.Path, "op", ev.Op, "err", err)
			}
			for _, p := range changed {
				a.manager.NotifyFileChanged(p)
			}
		case e := <-evs:
			slog.Debug("事件", "kind", e.Kind, "path", e.Path, "id", e.ID, "msg", e.Message)
		case <-ticker.C:
			ops, backups, err := a.cleanup()
			if err != nil {
				slog.Warn("定期清理失败", "err", err)
				continue
			}
			if ops > 0 || backups > 0 {
				slog.Info("定期清理完成", "operations", ops, "backups", backups)
			}
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// 约定 SIGHUP 表示应用从后台恢复
				background(a.manager.AppResumed)
				continue
			}
			slog.Info("接收到信号，准备优雅退出...", "signal", sig)
			cancel() // 通知所有 goroutine 退出
			a.manager.Stop()
			wg.Wait() // 等待后台同步结束
			slog.Info("所有任务已完成，程序退出")
			return nil
		}
	}
}
