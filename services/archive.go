package services

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// Archive describes a packaged attachment at its final location.
type Archive struct {
	Path           string
	Name           string
	OriginalSize   int64
	CompressedSize int64
}

// Archiver compresses attachment folders into the archive directory.
// Archives are built inside a hidden staging directory and renamed into
// place, so a *.zip at the top level is always complete.
type Archiver struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

// NewArchiver creates a new Archiver instance
func NewArchiver(dir string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{dir: dir, now: time.Now, logger: logger}
}

// Dir returns the archive directory.
func (a *Archiver) Dir() string { return a.dir }

// Measure returns the byte size of a file, or the sum of all regular files
// below a directory.
func Measure(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}

// Package zips path into {name}_{YYYYmmdd_HHMMSS}.zip. Entry names are
// relative to the parent of path so the folder name is kept inside the zip.
func (a *Archiver) Package(path string) (Archive, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return Archive{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	files, err := collectFiles(path, info)
	if err != nil {
		return Archive{}, err
	}
	if len(files) == 0 {
		return Archive{}, fmt.Errorf("folder %s contains no files", path)
	}

	original, err := Measure(path)
	if err != nil {
		return Archive{}, fmt.Errorf("failed to measure %s: %w", path, err)
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return Archive{}, fmt.Errorf("failed to create archive directory: %w", err)
	}
	staging, err := os.MkdirTemp(a.dir, ".staging-")
	if err != nil {
		return Archive{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if info.IsDir() {
		base = filepath.Base(path)
	}
	name := fmt.Sprintf("%s_%s.zip", base, a.now().Format("20060102_150405"))

	tmp := filepath.Join(staging, name)
	if err := writeZip(tmp, filepath.Dir(path), files); err != nil {
		return Archive{}, err
	}

	zi, err := os.Stat(tmp)
	if err != nil {
		return Archive{}, fmt.Errorf("failed to stat archive: %w", err)
	}
	if zi.Size() == 0 {
		return Archive{}, fmt.Errorf("archive %s is empty", name)
	}

	final := a.uniquePath(name)
	if err := os.Rename(tmp, final); err != nil {
		return Archive{}, fmt.Errorf("failed to move archive into place: %w", err)
	}

	a.logger.Debug("attachment packaged",
		zap.String("source", path),
		zap.String("archive", final),
		zap.Int64("original_bytes", original),
		zap.Int64("compressed_bytes", zi.Size()))

	return Archive{
		Path:           final,
		Name:           filepath.Base(final),
		OriginalSize:   original,
		CompressedSize: zi.Size(),
	}, nil
}

// Cleanup deletes completed *.zip archives from the top level of the archive
// directory. A failure on one file does not stop the sweep.
func (a *Archiver) Cleanup() (int, error) {
	entries, err := os.ReadDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var result *multierror.Error
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, e.Name())); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		deleted++
	}

	a.logger.Info("archive cleanup finished", zap.Int("deleted", deleted), zap.Int("errors", errorCount(result)))
	return deleted, result.ErrorOrNil()
}

func (a *Archiver) uniquePath(name string) string {
	final := filepath.Join(a.dir, name)
	stem := strings.TrimSuffix(name, ".zip")
	for i := 1; ; i++ {
		if _, err := os.Stat(final); errors.Is(err, os.ErrNotExist) {
			return final
		}
		final = filepath.Join(a.dir, fmt.Sprintf("%s_%d.zip", stem, i))
	}
}

func collectFiles(path string, info os.FileInfo) ([]string, error) {
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	return files, nil
}

func writeZip(dst, root string, files []string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
	}()

	zw := zip.NewWriter(out)
	for _, f := range files {
		if err := addFile(zw, root, f); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, root, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build zip header for %s: %w", path, err)
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", path, err)
	}
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer in.Close()
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	return nil
}

func errorCount(err *multierror.Error) int {
	if err == nil {
		return 0
	}
	return len(err.Errors)
}
