package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"notesync/internal/cache"
	"notesync/internal/cancel"
	"notesync/internal/database"
	"notesync/internal/fs/memory"
	"notesync/internal/syncerr"
)

func keys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("f%d.md", i+1)
	}
	return out
}

func TestRun_PartialFailure(t *testing.T) {
	boom := errors.New("boom")
	var reports []Progress
	r, err := Run(context.Background(), keys(5), func(ctx context.Context, key string) error {
		if key == "f2.md" || key == "f4.md" {
			return boom
		}
		return nil
	}, Options{OnProgress: func(p Progress) { reports = append(reports, p) }})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if r.TotalFiles != 5 || r.SuccessfulFiles != 3 || r.FailedFiles != 2 {
		t.Errorf("counts = %d/%d/%d", r.TotalFiles, r.SuccessfulFiles, r.FailedFiles)
	}
	if r.Status() != StatusPartial {
		t.Errorf("Status() = %s, want partial", r.Status())
	}
	if r.SuccessRate() != 60 {
		t.Errorf("SuccessRate() = %v, want 60", r.SuccessRate())
	}
	if !errors.Is(r.Errors["f2.md"], boom) || !errors.Is(r.Errors["f4.md"], boom) {
		t.Errorf("Errors = %v", r.Errors)
	}

	// 每个元素一次 + 结束一次
	if len(reports) != 6 {
		t.Fatalf("progress reports = %d, want 6", len(reports))
	}
	if reports[0].CurrentFile != "f1.md" || reports[0].ProcessedFiles != 0 {
		t.Errorf("first report = %+v", reports[0])
	}
	last := reports[5]
	if last.ProcessedFiles != 5 || last.Percentage() != 100 {
		t.Errorf("last report = %+v", last)
	}
}

func TestRun_CancelMidway(t *testing.T) {
	tok := cancel.New()
	var processed []string
	r, err := Run(context.Background(), keys(10), func(ctx context.Context, key string) error {
		processed = append(processed, key)
		if len(processed) == 3 {
			tok.Cancel("user")
		}
		return nil
	}, Options{Token: tok})

	if !errors.Is(err, cancel.ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if len(processed) != 3 {
		t.Errorf("processed = %v, want 3 items", processed)
	}
	if r.SuccessfulFiles != 3 || r.FailedFiles != 7 {
		t.Errorf("counts = %d ok, %d failed", r.SuccessfulFiles, r.FailedFiles)
	}
	if !errors.Is(r.Errors["f4.md"], cancel.ErrCancelled) || !errors.Is(r.Errors["f10.md"], cancel.ErrCancelled) {
		t.Errorf("unprocessed items should be cancelled: %v", r.Errors)
	}
	if r.Status() != StatusPartial {
		t.Errorf("Status() = %s", r.Status())
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	tok := cancel.New()
	tok.Cancel("early")
	r, err := Run(context.Background(), keys(3), func(ctx context.Context, key string) error {
		t.Fatal("fn should not run")
		return nil
	}, Options{Token: tok})
	if r != nil || !errors.Is(err, cancel.ErrCancelled) {
		t.Errorf("Run() = %v, %v", r, err)
	}
}

func TestRun_Empty(t *testing.T) {
	r, err := Run(context.Background(), nil, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalFiles != 0 || r.Status() != StatusSuccess {
		t.Errorf("Run(empty) = %+v", r)
	}
}

func TestRun_PreconditionFails(t *testing.T) {
	offline := errors.New("offline")
	called := false
	r, err := Run(context.Background(), keys(4), func(ctx context.Context, key string) error {
		called = true
		return nil
	}, Options{Precondition: func(ctx context.Context) error { return offline }})
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("fn should not run when precondition fails")
	}
	if r.FailedFiles != 4 || r.Status() != StatusFailure {
		t.Errorf("result = %+v", r)
	}
	for k, e := range r.Errors {
		if !errors.Is(e, offline) {
			t.Errorf("Errors[%s] = %v", k, e)
		}
	}
}

func newService(t *testing.T) (*Service, *cache.Cache, *memory.Store) {
	t.Helper()
	c := cache.New(database.NewMemory())
	remote := memory.New()
	return NewService(c, remote), c, remote
}

func TestService_UploadDownload(t *testing.T) {
	ctx := context.Background()
	svc, c, remote := newService(t)

	r, err := svc.UploadFiles(ctx, map[string][]byte{"a.md": []byte("A"), "b.md": []byte("B")}, Options{})
	if err != nil || r.Status() != StatusSuccess {
		t.Fatalf("UploadFiles() = %+v, %v", r, err)
	}
	if ok, _ := remote.Exists(ctx, "a.md"); !ok {
		t.Error("a.md missing on remote")
	}
	if s, _ := c.Base("b.md"); s == nil {
		t.Error("b.md should have a base snapshot")
	}

	if err := remote.Put(ctx, "c.md", []byte("C")); err != nil {
		t.Fatal(err)
	}
	r, err = svc.DownloadFiles(ctx, []string{"c.md", "missing.md"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status() != StatusPartial || r.Successful[0] != "c.md" {
		t.Errorf("DownloadFiles() = %+v", r)
	}
	if f, err := c.Get("c.md"); err != nil || string(f.Content) != "C" {
		t.Errorf("cache c.md = %v, %v", f, err)
	}
}

func TestService_Offline(t *testing.T) {
	svc, _, remote := newService(t)
	remote.SetOffline(true)

	r, err := svc.DownloadFiles(context.Background(), []string{"a.md", "b.md"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status() != StatusFailure {
		t.Errorf("Status() = %s", r.Status())
	}
	if !errors.Is(r.Errors["a.md"], syncerr.ErrNetworkUnavailable) {
		t.Errorf("Errors[a.md] = %v", r.Errors["a.md"])
	}
}

func TestService_Folders(t *testing.T) {
	ctx := context.Background()
	svc, c, remote := newService(t)
	for _, p := range []string{"notes/a.md", "notes/sub/b.md", "other.md"} {
		if _, err := c.Put(p, []byte(p), time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	r, err := svc.UploadFolder(ctx, "notes", Options{})
	if err != nil || r.TotalFiles != 2 || r.Status() != StatusSuccess {
		t.Fatalf("UploadFolder() = %+v, %v", r, err)
	}
	if ok, _ := remote.Exists(ctx, "notes/"); !ok {
		t.Error("folder marker missing")
	}
	if ok, _ := remote.Exists(ctx, "other.md"); ok {
		t.Error("other.md should not be uploaded")
	}

	remote.PutAt("notes/c.md", []byte("C"), time.Time{})
	r, err = svc.DownloadFolder(ctx, "notes", Options{})
	if err != nil || r.TotalFiles != 3 {
		t.Fatalf("DownloadFolder() = %+v, %v", r, err)
	}

	remote.FailOn("notes/", errors.New("denied"))
	r, err = svc.DeleteFolder(ctx, "notes", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.SuccessfulFiles != 3 || r.FailedFiles != 1 || r.Status() != StatusPartial {
		t.Errorf("DeleteFolder() = %+v", r)
	}
	if paths, _ := c.Paths("notes/"); len(paths) != 0 {
		t.Errorf("local paths left: %v", paths)
	}
}

func TestService_UploadFolderOffline(t *testing.T) {
	ctx := context.Background()
	svc, c, remote := newService(t)
	for _, p := range []string{"notes/a.md", "notes/b.md"} {
		if _, err := c.Put(p, []byte(p), time.Time{}); err != nil {
			t.Fatal(err)
		}
	}
	remote.SetOffline(true)

	var reports []Progress
	r, err := svc.UploadFolder(ctx, "notes", Options{OnProgress: func(p Progress) { reports = append(reports, p) }})
	if err != nil {
		t.Fatalf("UploadFolder() failed: %v", err)
	}
	if r.TotalFiles != 2 || r.FailedFiles != 2 || r.Status() != StatusFailure {
		t.Errorf("UploadFolder() = %+v", r)
	}
	for _, p := range []string{"notes/a.md", "notes/b.md"} {
		if !errors.Is(r.Errors[p], syncerr.ErrNetworkUnavailable) {
			t.Errorf("Errors[%s] = %v", p, r.Errors[p])
		}
	}
	// 每个成员一次，结束时一次
	if len(reports) != 3 {
		t.Fatalf("progress reports = %d, want 3", len(reports))
	}
	if last := reports[2]; last.ProcessedFiles != 2 || last.FailedFiles != 2 {
		t.Errorf("final progress = %+v", last)
	}

	remote.SetOffline(false)
	if ok, _ := remote.Exists(ctx, "notes/"); ok {
		t.Error("folder marker should not be created while offline")
	}
}
