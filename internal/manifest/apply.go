package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aweris/wcsnap/internal/hash"
)

// Fetcher serves blobs by address.
type Fetcher interface {
	GetBlob(ctx context.Context, d hash.Digest) (io.ReadCloser, error)
}

var (
	// ErrCorruptBlob means a fetched blob did not hash to its address.
	ErrCorruptBlob = errors.New("manifest: blob content does not match address")

	// ErrOutsideDir means a change would be written through a symlink and
	// land outside the restore directory.
	ErrOutsideDir = errors.New("manifest: path leaves the restore directory")
)

// Apply reconstructs the snapshot's delta onto dir, which must hold a
// checkout of the base revision. Removals run before writes so a path can
// change between file and directory.
func Apply(ctx context.Context, m *Manifest, f Fetcher, dir string) error {
	for _, c := range m.Changes {
		if c.Kind.HasContent() {
			continue
		}
		target, err := targetPath(dir, c.Path)
		if err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", c.Path, err)
		}
	}

	for _, c := range m.Changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.Kind.HasContent() {
			continue
		}
		target, err := targetPath(dir, c.Path)
		if err != nil {
			return err
		}
		if err := applyChange(ctx, f, c, target); err != nil {
			return fmt.Errorf("apply %s: %w", c.Path, err)
		}
	}
	return nil
}

func applyChange(ctx context.Context, f Fetcher, c Change, target string) error {
	rc, err := f.GetBlob(ctx, c.Address)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", c.Address.Short(), err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(target); err == nil && (info.IsDir() || c.Mode == Symlink || info.Mode()&fs.ModeSymlink != 0) {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}

	v := hash.NewVerifier(c.Address)
	if c.Mode == Symlink {
		link, err := io.ReadAll(io.TeeReader(rc, v))
		if err != nil {
			return err
		}
		if !v.Verified() {
			return ErrCorruptBlob
		}
		return os.Symlink(string(link), target)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".wcsnap-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(io.MultiWriter(tmp, v), rc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if !v.Verified() {
		return ErrCorruptBlob
	}
	if err := os.Chmod(tmp.Name(), fs.FileMode(c.Mode.Perm())); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// targetPath resolves rel under dir. Every existing ancestor must be a real
// directory; symlinked parents, including ones created earlier in the same
// Apply, are refused.
func targetPath(dir, rel string) (string, error) {
	if err := validPath(rel); err != nil {
		return "", err
	}
	parts := strings.Split(rel, "/")
	cur := dir
	for _, part := range parts[:len(parts)-1] {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s is below symlink %s", ErrOutsideDir, rel, cur)
		}
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), nil
}
