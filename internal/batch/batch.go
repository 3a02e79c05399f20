// Package batch 批量执行单文件操作：进度回报、部分失败汇总、协作取消
package batch

import (
	"context"
	"fmt"
	"time"

	"notesync/internal/cancel"
)

// Status 批量结果分类
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// Progress 每个元素开始前以及循环结束后回报一次
type Progress struct {
	TotalFiles      int
	ProcessedFiles  int
	SuccessfulFiles int
	FailedFiles     int
	CurrentFile     string
	Elapsed         time.Duration
}

// Percentage 已处理百分比
func (p Progress) Percentage() float64 {
	if p.TotalFiles == 0 {
		return 100
	}
	return float64(p.ProcessedFiles) / float64(p.TotalFiles) * 100
}

// Result 批量操作的汇总
type Result struct {
	TotalFiles      int
	SuccessfulFiles int
	FailedFiles     int
	Successful      []string
	Errors          map[string]error
	Duration        time.Duration
}

// Status 全部成功 success；部分成功 partial；全部失败 failure
func (r *Result) Status() Status {
	switch {
	case r.FailedFiles == 0:
		return StatusSuccess
	case r.SuccessfulFiles > 0:
		return StatusPartial
	default:
		return StatusFailure
	}
}

// SuccessRate successfulFiles/totalFiles*100，空批次视为 100
func (r *Result) SuccessRate() float64 {
	if r.TotalFiles == 0 {
		return 100
	}
	return float64(r.SuccessfulFiles) / float64(r.TotalFiles) * 100
}

// Summary 给 UI 的单行摘要
func (r *Result) Summary() string {
	return fmt.Sprintf("%s: %d/%d succeeded (%.1f%%) in %s",
		r.Status(), r.SuccessfulFiles, r.TotalFiles, r.SuccessRate(), r.Duration.Round(time.Millisecond))
}

func (r *Result) fail(key string, err error) {
	r.Errors[key] = err
	r.FailedFiles++
}

// Options 可选参数
type Options struct {
	// Token 为 nil 时不可取消 (ctx 取消仍然生效)
	Token *cancel.Token
	// OnProgress 同步回调，不要在里面做耗时操作
	OnProgress func(Progress)
	// Precondition 只检查一次 (连通性、存储初始化)。失败时每个元素都记为同一个错误
	Precondition func(ctx context.Context) error
}

// ItemFunc 单个元素的操作
type ItemFunc func(ctx context.Context, key string) error

func checkCancelled(ctx context.Context, tok *cancel.Token) error {
	if tok != nil {
		if err := tok.Err(); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", cancel.ErrCancelled, err)
	}
	return nil
}

// Run 顺序执行 fn。
// 开始前已取消: 返回 (nil, ErrCancelled)。
// 中途取消: 已处理的元素保留结果，剩余元素全部记为 ErrCancelled，返回结果和 ErrCancelled。
// 单个元素失败不会中断批次。
func Run(ctx context.Context, keys []string, fn ItemFunc, opts Options) (*Result, error) {
	if err := checkCancelled(ctx, opts.Token); err != nil {
		return nil, err
	}

	start := time.Now()
	r := &Result{
		TotalFiles: len(keys),
		Errors:     make(map[string]error),
	}
	if len(keys) == 0 {
		return r, nil
	}

	report := func(current string) {
		if opts.OnProgress == nil {
			return
		}
		opts.OnProgress(Progress{
			TotalFiles:      r.TotalFiles,
			ProcessedFiles:  r.SuccessfulFiles + r.FailedFiles,
			SuccessfulFiles: r.SuccessfulFiles,
			FailedFiles:     r.FailedFiles,
			CurrentFile:     current,
			Elapsed:         time.Since(start),
		})
	}

	var pre error
	if opts.Precondition != nil {
		pre = opts.Precondition(ctx)
	}

	var cancelled error
	for i, key := range keys {
		if err := checkCancelled(ctx, opts.Token); err != nil {
			cancelled = err
			for _, rest := range keys[i:] {
				r.fail(rest, err)
			}
			break
		}

		report(key)
		if pre != nil {
			r.fail(key, pre)
			continue
		}
		if err := fn(ctx, key); err != nil {
			r.fail(key, err)
			continue
		}
		r.SuccessfulFiles++
		r.Successful = append(r.Successful, key)
	}

	report("")
	r.Duration = time.Since(start)
	return r, cancelled
}
