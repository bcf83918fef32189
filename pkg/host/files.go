package host

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

// Files manages files, directories and ini settings on an afero filesystem.
// Writes go to a temporary file in the target directory and are renamed
// into place.
type Files struct {
	fs      afero.Fs
	logger  *zap.Logger
	resolve IDResolver
	now     func() time.Time
}

// NewFiles creates a file provider. A nil fs means the OS filesystem.
func NewFiles(fs afero.Fs, logger *zap.Logger) *Files {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Files{fs: fs, logger: logger, resolve: LookupIDs, now: time.Now}
}

// Fs returns the underlying filesystem.
func (f *Files) Fs() afero.Fs {
	return f.fs
}

// Exists implements resource.Filesystem.
func (f *Files) Exists(_ context.Context, path string) (bool, error) {
	return afero.Exists(f.fs, path)
}

// EnsureDirectory implements resource.Filesystem.
func (f *Files) EnsureDirectory(ctx context.Context, path, owner, group, mode string) (bool, error) {
	dirMode, err := parseMode(mode, 0755)
	if err != nil {
		return false, err
	}
	dryRun := resource.IsNoop(ctx)

	fi, err := f.fs.Stat(path)
	switch {
	case err == nil && !fi.IsDir():
		return false, fmt.Errorf("%s exists and is not a directory", path)
	case errors.Is(err, os.ErrNotExist):
		f.logger.Info("creating directory", zap.String("path", path), zap.Bool("noop", dryRun))
		if dryRun {
			return true, nil
		}
		if err := f.fs.MkdirAll(path, dirMode); err != nil {
			return false, fmt.Errorf("failed to create directory: %w", err)
		}
		if _, err := applyAttributes(f.fs, f.resolve, path, dirMode, owner, group, false); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}

	return applyAttributes(f.fs, f.resolve, path, modeIf(mode, dirMode), owner, group, dryRun)
}

// EnsureFile implements resource.Filesystem.
func (f *Files) EnsureFile(ctx context.Context, path string, content []byte, owner, group, mode string) (bool, error) {
	fileMode, err := parseMode(mode, 0644)
	if err != nil {
		return false, err
	}
	dryRun := resource.IsNoop(ctx)

	existing, err := afero.ReadFile(f.fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		existing = nil
	case err != nil:
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		if hashContent(existing) == hashContent(content) {
			return applyAttributes(f.fs, f.resolve, path, modeIf(mode, fileMode), owner, group, dryRun)
		}
	}

	status := "created"
	if existing != nil {
		status = "updated"
	}
	f.logger.Info("writing file",
		zap.String("path", path),
		zap.String("status", status),
		zap.Bool("noop", dryRun))
	if dryRun {
		return true, nil
	}

	if err := f.writeAtomic(path, content, fileMode); err != nil {
		return false, err
	}
	if _, err := applyAttributes(f.fs, f.resolve, path, fileMode, owner, group, false); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFile implements resource.Filesystem.
func (f *Files) RemoveFile(ctx context.Context, path string) (bool, error) {
	exists, err := afero.Exists(f.fs, path)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	f.logger.Info("removing file", zap.String("path", path), zap.Bool("noop", resource.IsNoop(ctx)))
	if resource.IsNoop(ctx) {
		return true, nil
	}
	if err := f.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return true, nil
}

// TidyOldFiles implements resource.Filesystem. Only direct children of dir
// whose name matches the glob and whose mtime is older than age are removed.
func (f *Files) TidyOldFiles(ctx context.Context, dir, matches string, age time.Duration) (bool, error) {
	entries, err := afero.ReadDir(f.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cutoff := f.now().Add(-age)
	removed := false
	for _, entry := range entries {
		if entry.IsDir() || !entry.ModTime().Before(cutoff) {
			continue
		}
		if matches != "" {
			ok, err := filepath.Match(matches, entry.Name())
			if err != nil {
				return false, fmt.Errorf("invalid pattern %q: %w", matches, err)
			}
			if !ok {
				continue
			}
		}

		path := filepath.Join(dir, entry.Name())
		f.logger.Info("tidying old file",
			zap.String("path", path),
			zap.Time("modified", entry.ModTime()),
			zap.Bool("noop", resource.IsNoop(ctx)))
		removed = true
		if resource.IsNoop(ctx) {
			continue
		}
		if err := f.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return removed, nil
}

// EnsureIniSetting implements resource.Filesystem. An empty section means
// the keys before the first section header.
func (f *Files) EnsureIniSetting(ctx context.Context, path, section, key, value string) (bool, error) {
	existing, err := afero.ReadFile(f.fs, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{
		PreserveSurroundedQuote:  true,
		SpaceBeforeInlineComment: true,
	}, existingOrEmpty(existing))
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	sec := cfg.Section(section)
	if sec.HasKey(key) && sec.Key(key).String() == value {
		return false, nil
	}

	f.logger.Info("updating ini setting",
		zap.String("path", path),
		zap.String("section", section),
		zap.String("key", key),
		zap.Bool("noop", resource.IsNoop(ctx)))
	if resource.IsNoop(ctx) {
		return true, nil
	}

	sec.Key(key).SetValue(value)
	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", path, err)
	}

	mode := os.FileMode(0644)
	if fi, err := f.fs.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := f.writeAtomic(path, buf.Bytes(), mode); err != nil {
		return false, err
	}
	return true, nil
}

func existingOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (f *Files) writeAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := f.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		f.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := f.fs.Chmod(tmpPath, mode); err != nil {
		f.fs.Remove(tmpPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := f.fs.Rename(tmpPath, path); err != nil {
		f.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// modeIf returns parsed only when the caller asked for a mode, so existing
// files keep their permissions otherwise.
func modeIf(requested string, parsed os.FileMode) os.FileMode {
	if requested == "" {
		return 0
	}
	return parsed
}

func hashContent(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// hashReader returns the hex digest of r under the named algorithm.
func hashReader(r io.Reader, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
