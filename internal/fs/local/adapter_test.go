package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"notesync/internal/fs"
)

func TestAdapter_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(t.TempDir())

	if err := a.Put(ctx, "notes/a.md", []byte("A\nB")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	obj, err := a.Get(ctx, "notes/a.md")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(obj.Data) != "A\nB" || obj.ModTime.IsZero() {
		t.Errorf("Get() = %q at %v", obj.Data, obj.ModTime)
	}

	if err := a.Delete(ctx, "notes/a.md"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := a.Get(ctx, "notes/a.md"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Get() after delete = %v, want ErrNotExist", err)
	}
	if err := a.Delete(ctx, "notes/a.md"); err != nil {
		t.Errorf("Delete() of missing key = %v", err)
	}
}

func TestAdapter_FoldersAndList(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := NewAdapter(root)

	if err := a.Put(ctx, "notes/", nil); err != nil {
		t.Fatalf("Put(marker) failed: %v", err)
	}
	if ok, _ := a.Exists(ctx, "notes/"); !ok {
		t.Fatal("folder marker should exist")
	}
	if err := a.Put(ctx, "notes/a.md", []byte("a")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := a.Put(ctx, "notes/sub/b.md", []byte("b")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	// 残留临时文件不应出现在列表中
	if err := os.WriteFile(filepath.Join(root, "notes", ".notesync-123"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	keys, err := a.List(ctx, "notes/")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	want := []string{"notes/", "notes/a.md", "notes/sub/", "notes/sub/b.md"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("List() = %v, want %v", keys, want)
	}

	folders, err := a.ListFolders(ctx, "notes/")
	if err != nil {
		t.Fatalf("ListFolders() failed: %v", err)
	}
	if want := []string{"notes/sub/"}; !reflect.DeepEqual(folders, want) {
		t.Errorf("ListFolders() = %v, want %v", folders, want)
	}
}

func TestAdapter_Ping(t *testing.T) {
	root := filepath.Join(t.TempDir(), "share")
	a := NewAdapter(root)
	if err := a.Ping(context.Background()); err == nil {
		t.Error("Ping() should fail when the root is missing")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	if err := a.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}
