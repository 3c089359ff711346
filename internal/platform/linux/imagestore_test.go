//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"testing"
)

func TestImageStorePathFor(t *testing.T) {
	s := NewImageStore("/opt/aiva/images/base.rootfs.ext4", "/var/lib/aiva/images")
	got := s.PathFor("web")
	want := filepath.Join("/var/lib/aiva/images", "web.rootfs.ext4")
	if got != want {
		t.Errorf("PathFor() = %q, want %q", got, want)
	}
}

func TestCopyFileCopiesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "base.img")
	dst := filepath.Join(dir, "web.img")

	if err := os.WriteFile(src, []byte("rootfs-bytes"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile() error: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "rootfs-bytes" {
		t.Errorf("copied content = %q, want %q", got, "rootfs-bytes")
	}
}

func TestTruncateToGrowsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.img")
	if err := os.WriteFile(path, []byte("seed"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := truncateTo(t.Context(), path, 1); err != nil {
		t.Fatalf("truncateTo() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	want := int64(1) * 1024 * 1024 * 1024
	if info.Size() != want {
		t.Errorf("size = %d, want %d", info.Size(), want)
	}
}

func TestRemoveMissingImageIsNotAnError(t *testing.T) {
	s := NewImageStore("/opt/aiva/images/base.rootfs.ext4", t.TempDir())
	if err := s.Remove("does-not-exist"); err != nil {
		t.Errorf("Remove() on missing image = %v, want nil", err)
	}
}

func TestFormatBlankExt4CreatesSizedImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blank.rootfs.ext4")

	if err := formatBlankExt4(path, 1); err != nil {
		t.Fatalf("formatBlankExt4() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	want := int64(1) * 1024 * 1024 * 1024
	if info.Size() != want {
		t.Errorf("size = %d, want %d", info.Size(), want)
	}
}
