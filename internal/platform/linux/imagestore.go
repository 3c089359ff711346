//go:build linux

package linux

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	diskpkg "github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
)

// ImageStore prepares per-instance rootfs images from a shared base image,
// growing each copy to the size the instance's Config requests. Grounded on
// the nested macOS platform's create_vm sequence (copy base rootfs, truncate
// to size, e2fsck, resize2fs). If no base image exists yet, Prepare formats
// a fresh blank ext4 image at the requested size instead of failing, using
// go-diskfs the way the cloud-init seed builder uses it to create FAT32
// images from scratch.
type ImageStore struct {
	BaseImagePath string
	ImagesDir     string
}

// NewImageStore returns a store rooted at imagesDir, copying from baseImage.
func NewImageStore(baseImage, imagesDir string) *ImageStore {
	return &ImageStore{BaseImagePath: baseImage, ImagesDir: imagesDir}
}

// PathFor returns the per-instance rootfs path without creating anything.
func (s *ImageStore) PathFor(name string) string {
	return filepath.Join(s.ImagesDir, name+".rootfs.ext4")
}

// Prepare copies the base image for name if it doesn't already exist, then
// grows it to sizeGB and runs e2fsck+resize2fs so the guest sees the full
// filesystem. Idempotent: a pre-existing image at the target path is resized
// in place rather than recreated, so restarting a Create that partially
// failed does not re-copy the base image.
func (s *ImageStore) Prepare(ctx context.Context, name string, sizeGB int) (string, error) {
	if s.BaseImagePath == "" {
		return "", fmt.Errorf("linux: base image path not configured")
	}
	if err := os.MkdirAll(s.ImagesDir, 0o755); err != nil {
		return "", fmt.Errorf("linux: ensure images dir: %w", err)
	}

	dest := s.PathFor(name)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if _, baseErr := os.Stat(s.BaseImagePath); baseErr == nil {
			if err := copyFile(s.BaseImagePath, dest); err != nil {
				return "", fmt.Errorf("linux: copy base image: %w", err)
			}
		} else if os.IsNotExist(baseErr) {
			if err := formatBlankExt4(dest, sizeGB); err != nil {
				return "", fmt.Errorf("linux: format blank rootfs: %w", err)
			}
		} else {
			return "", fmt.Errorf("linux: stat base image %s: %w", s.BaseImagePath, baseErr)
		}
	} else if err != nil {
		return "", fmt.Errorf("linux: stat %s: %w", dest, err)
	}

	if err := os.Chmod(dest, 0o644); err != nil {
		return "", fmt.Errorf("linux: chmod rootfs: %w", err)
	}

	if err := truncateTo(ctx, dest, sizeGB); err != nil {
		return "", err
	}
	// e2fsck runs before resize2fs and is expected to report and fix minor
	// inconsistencies after the truncate; a nonzero exit here is normal.
	_ = runQuiet(ctx, "e2fsck", "-f", "-y", dest)
	if err := runQuiet(ctx, "resize2fs", dest); err != nil {
		return "", fmt.Errorf("linux: resize2fs %s: %w", dest, err)
	}

	return dest, nil
}

// Remove deletes the per-instance image for name, if present.
func (s *ImageStore) Remove(name string) error {
	err := os.Remove(s.PathFor(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("linux: remove rootfs: %w", err)
	}
	return nil
}

// formatBlankExt4 creates a fresh ext4 filesystem image at path sized to
// sizeGB, used when no shared base image has been downloaded yet. Grounded
// on the cloud-init seed builder's disk.CreateFilesystem call, swapping its
// FAT32 spec for ext4 since this image becomes a VM's root disk rather
// than a one-shot metadata seed.
func formatBlankExt4(path string, sizeGB int) error {
	size := int64(sizeGB) * 1024 * 1024 * 1024
	disk, err := diskfs.Create(path, size, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("linux: create disk image: %w", err)
	}
	fs, err := disk.CreateFilesystem(diskpkg.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeExt4,
		VolumeLabel: "aiva-rootfs",
	})
	if err != nil {
		return fmt.Errorf("linux: create ext4 filesystem: %w", err)
	}
	if closer, ok := fs.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func truncateTo(ctx context.Context, path string, sizeGB int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("linux: open %s for truncate: %w", path, err)
	}
	defer f.Close()

	size := int64(sizeGB) * 1024 * 1024 * 1024
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("linux: truncate %s to %dG: %w", path, sizeGB, err)
	}
	return nil
}

func runQuiet(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
