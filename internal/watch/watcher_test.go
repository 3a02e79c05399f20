package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, w *Watcher, want Event) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %+v", want)
		}
	}
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(root, "a.md"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, Event{Path: "a.md", Op: OpWrite})

	if err := os.Mkdir(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	// 给监听器时间把新目录加进去
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "notes", "b.md"), []byte("B"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, Event{Path: "notes/b.md", Op: OpWrite})

	if err := os.Remove(filepath.Join(root, "a.md")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, Event{Path: "a.md", Op: OpRemove})
}

func TestWatcher_StartTwice(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err == nil {
		t.Error("second Start() should fail")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestWatcher_DirectoryMovedIn(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "workspace")
	outside := filepath.Join(base, "outside")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(outside, "archive"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outside, "archive", "a.md"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	if err := os.Rename(filepath.Join(outside, "archive"), filepath.Join(root, "archive")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, Event{Path: "archive", Op: OpWrite})
}
