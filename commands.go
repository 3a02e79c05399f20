package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"notesync/internal/batch"
	"notesync/internal/conflict"
	"notesync/internal/op"
	"notesync/internal/queue"
	syncer "notesync/internal/sync"
)

func init() {
	retryCmd.Flags().String("restart", "", "重新排队一个已耗尽重试次数的操作 (id)")

	rootCmd.AddCommand(syncCmd, statusCmd, retryCmd, conflictsCmd, resolveCmd, cleanupCmd, folderCmd)
}

// withApp 子命令共用的打开/关闭流程，日志只写文件
func withApp(fn func(ctx context.Context, a *app, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd.OutOrStdout())
	}
}

var syncCmd = &cobra.Command{
	Use:   "sync [paths...]",
	Short: "立即同步 (不带参数为全量同步)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app, out io.Writer) error {
			var (
				r   *syncer.Report
				err error
			)
			if len(args) == 0 {
				r, err = a.manager.SyncNow(ctx)
			} else {
				r, err = a.manager.SyncFiles(ctx, args)
			}
			if r != nil {
				printReport(out, r)
			}
			if err != nil {
				return err
			}
			return r.Err()
		})(cmd, args)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看队列统计和失败的操作",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer) error {
		stats, err := a.queue.GetQueueStats()
		if err != nil {
			return err
		}
		failed, err := a.queue.GetFailedOperations()
		if err != nil {
			return err
		}
		printStatus(out, stats, failed)
		if n := a.queue.CorruptEntries(); n > 0 {
			fmt.Fprintf(out, "跳过损坏的队列条目: %d\n", n)
		}
		return nil
	}),
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "重置可重试的失败操作，或用 --restart 重新排队一个已耗尽的操作",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("restart")
		return withApp(func(ctx context.Context, a *app, out io.Writer) error {
			if id == "" {
				n, err := a.queue.RetryFailedOperations()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "已重置 %d 个失败操作\n", n)
				return nil
			}

			prev, err := a.queue.Get(id)
			if err != nil {
				return err
			}
			if prev.Status != op.StatusFailed {
				return fmt.Errorf("操作 %s 状态为 %s，只能重启失败的操作", id, prev.Status)
			}
			if prev.CanRetry() {
				return fmt.Errorf("操作 %s 还有重试次数 (%d/%d)，直接使用 retry", id, prev.RetryCount, prev.MaxRetries)
			}
			fresh, err := a.queue.Enqueue(op.NewFactory().CreateRetryOperation(prev))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "已重新排队: %s\n", fresh)
			return nil
		})(cmd, args)
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "检测本地缓存与远端之间的所有冲突",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer) error {
		cs, err := a.conflicts.DetectAll(ctx)
		if err != nil {
			return err
		}
		printConflicts(out, cs)
		return nil
	}),
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <path> <keepLocal|keepRemote|merge|createBoth>",
	Short: "按指定方式解决单个冲突 (先备份本地内容)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := conflict.ParseResolution(args[1])
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app, out io.Writer) error {
			outcome, err := a.conflicts.Resolve(ctx, args[0], res, true)
			if err != nil {
				return err
			}
			if outcome == nil {
				fmt.Fprintf(out, "%s 没有冲突\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "已解决 %s: %s\n", args[0], outcome.Resolution)
			if outcome.Backup != "" {
				fmt.Fprintf(out, "备份: %s\n", outcome.Backup)
			}
			return nil
		})(cmd, args)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "清理过期的队列条目和冲突备份",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer) error {
		ops, backups, err := a.cleanup()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "已清理 %d 个队列条目, %d 个备份\n", ops, backups)
		return nil
	}),
}

var folderCmd = &cobra.Command{
	Use:   "folder <upload|download|delete> <folder>",
	Short: "对整个文件夹执行批量操作",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, folder := args[0], args[1]
		return withApp(func(ctx context.Context, a *app, out io.Writer) error {
			svc := a.engine.Batch()
			opts := batch.Options{OnProgress: func(p batch.Progress) {
				if p.CurrentFile != "" {
					fmt.Fprintf(out, "[%3.0f%%] %s\n", p.Percentage(), p.CurrentFile)
				}
			}}

			var (
				r   *batch.Result
				err error
			)
			switch action {
			case "upload":
				r, err = svc.UploadFolder(ctx, folder, opts)
			case "download":
				r, err = svc.DownloadFolder(ctx, folder, opts)
			case "delete":
				r, err = svc.DeleteFolder(ctx, folder, opts)
			default:
				return fmt.Errorf("未知的批量操作: %s", action)
			}
			if r != nil {
				printBatch(out, r)
			}
			return err
		})(cmd, args)
	},
}

func printReport(w io.Writer, r *syncer.Report) {
	fmt.Fprintf(w, "同步完成，耗时 %s\n", r.Duration.Round(time.Millisecond))
	groups := []struct {
		label string
		paths []string
	}{
		{"上传", r.Uploaded},
		{"下载", r.Downloaded},
		{"删除远端", r.DeletedRemote},
		{"删除本地", r.DeletedLocal},
		{"自动解决冲突", r.Resolved},
		{"重建索引", r.Reindexed},
	}
	for _, g := range groups {
		if len(g.paths) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s (%d): %s\n", g.label, len(g.paths), strings.Join(g.paths, ", "))
	}
	if len(r.Conflicts) > 0 {
		fmt.Fprintf(w, "待处理冲突 (%d):\n", len(r.Conflicts))
		for _, c := range r.Conflicts {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}
	for _, p := range sortedKeys(r.Errors) {
		fmt.Fprintf(w, "失败 %s: %v\n", p, r.Errors[p])
	}
}

func printStatus(w io.Writer, s queue.Stats, failed []*op.Operation) {
	fmt.Fprintf(w, "队列: 共 %d  待处理 %d  进行中 %d  已完成 %d  失败 %d  已取消 %d\n",
		s.Total, s.Pending, s.InProgress, s.Completed, s.Failed, s.Cancelled)
	if len(failed) == 0 {
		return
	}
	fmt.Fprintln(w, "失败的操作:")
	for _, o := range failed {
		hint := "可重试"
		if !o.CanRetry() {
			hint = "已耗尽，使用 retry --restart " + o.ID
		}
		fmt.Fprintf(w, "  %s %s %s (%d/%d) %s [%s]\n",
			o.ID, o.Type, o.FilePath, o.RetryCount, o.MaxRetries, o.ErrorMessage, hint)
	}
}

func printConflicts(w io.Writer, cs []*conflict.FileConflict) {
	if len(cs) == 0 {
		fmt.Fprintln(w, "没有冲突")
		return
	}
	for _, c := range cs {
		fmt.Fprintln(w, c)
		var opts []string
		for _, r := range c.Suggested {
			opts = append(opts, string(r))
		}
		line := "  建议: " + strings.Join(opts, " | ")
		if c.CanAutoResolve() {
			line += "  (可自动: " + string(c.Auto) + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func printBatch(w io.Writer, r *batch.Result) {
	fmt.Fprintln(w, r.Summary())
	for _, k := range sortedKeys(r.Errors) {
		fmt.Fprintf(w, "失败 %s: %v\n", k, r.Errors[k])
	}
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
