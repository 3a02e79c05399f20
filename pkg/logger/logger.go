package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志配置
type Options struct {
	// Level: "debug", "info", "warn", "error"
	Level string
	// File 日志文件路径 (为空则只输出到控制台)
	File string
	// 滚动策略，零值使用 lumberjack 的默认值
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Quiet 不输出到控制台 (CLI 子命令只写文件)
	Quiet bool
}

// ParseLevel 解析日志等级，未知值按 info 处理
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup 初始化全局日志配置，返回的 Closer 用于退出时关闭日志文件
func Setup(opts Options) (io.Closer, error) {
	level := ParseLevel(opts.Level)

	// 配置输出目标 (Writer)
	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stdout)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		// 确保日志目录存在
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
			LocalTime:  true,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	var writer io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		writer = writers[0]
	default:
		// 同时输出到控制台和文件
		writer = io.MultiWriter(writers...)
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // 仅在 Debug 模式下显示文件名和行号
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(writer, handlerOpts)))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
