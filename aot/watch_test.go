package aot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSourceWatcherRefresh(t *testing.T) {
	c := openTemp(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.py")
	os.WriteFile(path, []byte("def foo(): return 42"), 0644)

	w, err := NewSourceWatcher(c)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	old, err := w.Watch(path)
	if err != nil {
		t.Fatal(err)
	}
	if old != HashSource("def foo(): return 42") {
		t.Fatal("Watch returned the wrong hash")
	}
	c.Put(old, "foo", sampleCode("def foo(): return 42"))
	c.Put(old, "bar", sampleCode("def foo(): return 42"))

	if n, _ := w.Refresh(path); n != 0 {
		t.Errorf("unchanged file removed %d entries", n)
	}

	var changed bool
	w.OnChange = func(p string, o, n [HashSize]byte, removed int) {
		changed = o == old && n == HashSource("def foo(): return 43") && removed == 2
	}
	os.WriteFile(path, []byte("def foo(): return 43"), 0644)
	n, err := w.Refresh(path)
	if err != nil || n != 2 {
		t.Errorf("Refresh = %d, %v; want 2", n, err)
	}
	if !changed {
		t.Error("OnChange not called with the old and new hash")
	}
	if _, ok := c.Get(old, "foo"); ok {
		t.Error("stale entry survived")
	}
}

func TestSourceWatcherIgnoresUntracked(t *testing.T) {
	w, err := NewSourceWatcher(openTemp(t))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if n, err := w.Refresh(filepath.Join(t.TempDir(), "other.py")); n != 0 || err != nil {
		t.Errorf("Refresh of untracked file = %d, %v", n, err)
	}
	if _, err := w.Watch(filepath.Join(t.TempDir(), "missing.py")); err == nil {
		t.Error("watching a missing file succeeded")
	}
}

func TestSourceWatcherRun(t *testing.T) {
	c := openTemp(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.py")
	os.WriteFile(path, []byte("v1"), 0644)

	w, err := NewSourceWatcher(c)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	old, err := w.Watch(path)
	if err != nil {
		t.Fatal(err)
	}
	c.Put(old, "f", sampleCode("v1"))

	done := make(chan struct{}, 1)
	w.OnChange = func(string, [HashSize]byte, [HashSize]byte, int) {
		select {
		case done <- struct{}{}:
		default:
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.Run(ctx)

	os.WriteFile(path, []byte("v2"), 0644)
	select {
	case <-done:
	case <-ctx.Done():
		t.Skip("no file event delivered")
	}
	if _, ok := c.Get(old, "f"); ok {
		t.Error("entry for old content still cached")
	}
}
