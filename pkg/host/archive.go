package host

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yourorg/bitbucket-deployer/internal/version"
	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

// Archives downloads release archives and unpacks them.
type Archives struct {
	fs         afero.Fs
	httpClient *http.Client
	logger     *zap.Logger
	resolve    IDResolver
}

// NewArchives creates an archive provider. A nil client gets a ten minute
// timeout.
func NewArchives(fs afero.Fs, client *http.Client, logger *zap.Logger) *Archives {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archives{fs: fs, httpClient: client, logger: logger, resolve: LookupIDs}
}

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum type %q", algorithm)
}

// Fetch implements resource.Archiver.
func (a *Archives) Fetch(ctx context.Context, url, checksum, checksumType, dest string) (bool, error) {
	if ok, err := a.present(dest, checksum, checksumType); err != nil || ok {
		return false, err
	}

	a.logger.Info("downloading archive",
		zap.String("url", url),
		zap.String("dest", dest),
		zap.Bool("noop", resource.IsNoop(ctx)))
	if resource.IsNoop(ctx) {
		return true, nil
	}

	if err := a.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false, fmt.Errorf("failed to create download directory: %w", err)
	}
	tmpPath := dest + ".part"
	if err := a.download(ctx, url, tmpPath); err != nil {
		a.fs.Remove(tmpPath)
		return false, err
	}
	if checksum != "" {
		if err := a.verify(tmpPath, checksum, checksumType); err != nil {
			a.fs.Remove(tmpPath)
			return false, err
		}
	}
	if err := a.fs.Rename(tmpPath, dest); err != nil {
		a.fs.Remove(tmpPath)
		return false, fmt.Errorf("failed to move download into place: %w", err)
	}
	return true, nil
}

// present reports whether dest already exists with the expected checksum.
func (a *Archives) present(dest, checksum, checksumType string) (bool, error) {
	exists, err := afero.Exists(a.fs, dest)
	if err != nil || !exists {
		return false, err
	}
	if checksum == "" {
		return true, nil
	}
	if err := a.verify(dest, checksum, checksumType); err != nil {
		a.logger.Warn("existing archive does not match checksum, downloading again",
			zap.String("path", dest), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (a *Archives) download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed with status %d", url, resp.StatusCode)
	}

	out, err := a.fs.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (a *Archives) verify(path, expected, algorithm string) error {
	file, err := a.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	actual, err := hashReader(file, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash file: %w", err)
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// Extract implements resource.Archiver. Entries are written beneath dest
// and chowned to owner and group.
func (a *Archives) Extract(ctx context.Context, archive, dest, owner, group, creates string) (bool, error) {
	if creates != "" {
		exists, err := afero.Exists(a.fs, creates)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}

	a.logger.Info("extracting archive",
		zap.String("archive", archive),
		zap.String("dest", dest),
		zap.Bool("noop", resource.IsNoop(ctx)))
	if resource.IsNoop(ctx) {
		return true, nil
	}

	uid, gid := -1, -1
	if owner != "" || group != "" {
		var err error
		if uid, gid, err = a.resolve(owner, group); err != nil {
			return false, err
		}
	}
	x := &extractor{fs: a.fs, dest: dest, uid: uid, gid: gid}

	var err error
	switch {
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		err = x.untarGz(archive)
	case strings.HasSuffix(archive, ".zip"):
		err = x.unzip(archive)
	default:
		err = fmt.Errorf("unsupported archive format: %s", filepath.Base(archive))
	}
	if err != nil {
		return false, fmt.Errorf("failed to extract %s: %w", archive, err)
	}
	return true, nil
}

type extractor struct {
	fs       afero.Fs
	dest     string
	uid, gid int
}

// target maps an archive entry name onto dest, refusing paths that escape it.
func (x *extractor) target(name string) (string, error) {
	clean := filepath.Clean(filepath.Join(x.dest, name))
	root := filepath.Clean(x.dest)
	if clean != root && !strings.HasPrefix(clean, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes %s", name, x.dest)
	}
	return clean, nil
}

func (x *extractor) chown(path string) error {
	if x.uid == -1 && x.gid == -1 {
		return nil
	}
	return x.fs.Chown(path, x.uid, x.gid)
}

func (x *extractor) mkdir(path string, mode os.FileMode) error {
	if err := x.fs.MkdirAll(path, mode|0700); err != nil {
		return err
	}
	return x.chown(path)
}

func (x *extractor) writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := x.mkdir(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := x.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := x.fs.Chmod(path, mode); err != nil {
		return err
	}
	return x.chown(path)
}

func (x *extractor) untarGz(archive string) error {
	f, err := x.fs.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		path, err := x.target(hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = x.mkdir(path, os.FileMode(hdr.Mode).Perm())
		case tar.TypeReg:
			err = x.writeFile(path, tr, os.FileMode(hdr.Mode).Perm())
		case tar.TypeSymlink:
			err = x.symlink(hdr.Linkname, path)
		}
		if err != nil {
			return err
		}
	}
}

func (x *extractor) symlink(oldname, newname string) error {
	linker, ok := x.fs.(afero.Linker)
	if !ok {
		return nil
	}
	if filepath.IsAbs(oldname) {
		return fmt.Errorf("symlink %s points outside the archive", newname)
	}
	rel := strings.TrimPrefix(filepath.Dir(newname), filepath.Clean(x.dest))
	if _, err := x.target(filepath.Join(rel, oldname)); err != nil {
		return err
	}
	x.fs.Remove(newname)
	return linker.SymlinkIfPossible(oldname, newname)
}

func (x *extractor) unzip(archive string) error {
	f, err := x.fs.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return err
	}

	for _, entry := range zr.File {
		path, err := x.target(entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := x.mkdir(path, entry.Mode().Perm()); err != nil {
				return err
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return err
		}
		mode := entry.Mode().Perm()
		if mode == 0 {
			mode = 0644
		}
		err = x.writeFile(path, rc, mode)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
