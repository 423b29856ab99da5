package bundle

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
)

// DefaultCompressionLevel is the zstd level used for archives.
const DefaultCompressionLevel = 19

// ArchiveOptions controls CreateArchive.
type ArchiveOptions struct {
	Zstd  string
	Level int
}

// CreateArchive tars srcDir under the top-level directory bundleID and
// compresses it to <outDir>/<bundleID>.tar.zst with the zstd binary. When
// zstd is missing or fails, partial files are removed and a .tar.gz is
// written instead. It returns the archive path.
func CreateArchive(ctx context.Context, runner command.Runner, srcDir, outDir, bundleID string, opts ArchiveOptions) (string, error) {
	if opts.Zstd == "" {
		opts.Zstd = "zstd"
	}
	if opts.Level <= 0 {
		opts.Level = DefaultCompressionLevel
	}

	tarPath := filepath.Join(outDir, bundleID+".tar")
	zstPath := filepath.Join(outDir, bundleID+".tar.zst")

	if err := writeTarFile(srcDir, bundleID, tarPath); err != nil {
		os.Remove(tarPath)
		return "", err
	}

	res, err := runner.Run(ctx, opts.Zstd, "-"+strconv.Itoa(opts.Level), "--rm", tarPath, "-o", zstPath)
	if err == nil && res.Success() {
		return zstPath, nil
	}
	os.Remove(tarPath)
	os.Remove(zstPath)

	gzPath := filepath.Join(outDir, bundleID+".tar.gz")
	if err := writeTarGz(srcDir, bundleID, gzPath); err != nil {
		os.Remove(gzPath)
		return "", err
	}
	return gzPath, nil
}

func writeTarFile(srcDir, prefix, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	if err := writeTar(f, srcDir, prefix); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

func writeTarGz(srcDir, prefix, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	zw := gzip.NewWriter(f)
	if err := writeTar(zw, srcDir, prefix); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

// writeTar streams srcDir into w, naming every entry <prefix>/<relative path>.
func writeTar(w io.Writer, srcDir, prefix string) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = prefix + "/" + filepath.ToSlash(rel)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to write tar: %w", err)
	}
	return nil
}
