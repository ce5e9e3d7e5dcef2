package workspace

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// cancelCheckInterval is how many archive entries are extracted between
// cooperative cancellation checks.
const cancelCheckInterval = 64

// extractTarGz streams a gzipped tarball into dir. stripComponents drops
// leading path elements (branch archives wrap everything in a single
// top-level directory). Entries escaping dir are rejected.
func extractTarGz(ctx context.Context, r io.Reader, dir string, stripComponents int) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "corrupt archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	entries := 0
	for {
		if entries%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		entries++

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "corrupt archive")
		}

		name := stripPath(hdr.Name, stripComponents)
		if name == "" {
			continue
		}
		target := filepath.Join(dir, name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return errors.Errorf("archive entry %q escapes the workspace", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "create dir %s", name)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "create dir for %s", name)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return errors.Wrapf(err, "create file %s", name)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return errors.Wrapf(err, "write file %s", name)
			}
			if err := f.Close(); err != nil {
				return errors.Wrapf(err, "close file %s", name)
			}
		default:
			// Symlinks and special files are not needed for analysis.
		}
	}
}

func stripPath(name string, components int) string {
	name = filepath.ToSlash(name)
	parts := strings.Split(name, "/")
	if len(parts) <= components {
		return ""
	}
	return filepath.Join(parts[components:]...)
}

// emptyDir reports whether dir contains nothing besides VCS metadata. An
// empty acquisition result is itself a failure.
func emptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		return false
	}
	return true
}
