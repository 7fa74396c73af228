package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// hashingWriter forwards writes to w while computing the MD5 of everything
// written.
type hashingWriter struct {
	w   io.Writer
	sum hash.Hash
	n   int64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, sum: md5.New()}
}

func (h *hashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.sum.Write(p[:n])
	h.n += int64(n)
	return n, err
}

func (h *hashingWriter) ETag() string {
	return hex.EncodeToString(h.sum.Sum(nil))
}

// fileMD5 returns the hex MD5 of the file at path.
func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// mkdirUnder creates dir and its missing parents below root. root itself is
// never created, so a removed root surfaces as fs.ErrNotExist.
func mkdirUnder(root string, dir string) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return err
	}

	if rel == "." {
		_, err := os.Stat(root)
		return err
	}

	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		if err := os.Mkdir(cur, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// writeFile creates or truncates path and fills it from r, creating parent
// directories below root as needed.
func writeFile(root string, path string, r io.Reader) (string, int64, error) {
	if err := mkdirUnder(root, filepath.Dir(path)); err != nil {
		return "", 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}

	hw := newHashingWriter(f)
	if _, err := io.Copy(hw, r); err != nil {
		_ = f.Close()
		return "", 0, err
	}

	if err := f.Close(); err != nil {
		return "", 0, err
	}

	return hw.ETag(), hw.n, nil
}

// appendFile copies the contents of srcPath to the end of dst.
func appendFile(dst io.Writer, srcPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	_, err = io.Copy(dst, srcFile)
	return err
}

// pruneEmptyParents removes the now empty directories between path and
// stop, exclusive of stop itself.
func pruneEmptyParents(path string, stop string) {
	stop = filepath.Clean(stop)
	for dir := filepath.Dir(path); dir != stop && len(dir) > len(stop); dir = filepath.Dir(dir) {

		// os.Remove refuses non-empty directories, which ends the walk.
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// hasRegularFiles reports whether the tree under dir contains any regular
// file. A missing dir contains nothing.
func hasRegularFiles(dir string) (bool, error) {
	errFound := errors.New("found")

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return errFound
		}
		return nil
	})

	switch {
	case errors.Is(err, errFound):
		return true, nil
	case err != nil:
		return false, err
	default:
		return false, nil
	}
}

func isDirNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

// removeEmptyTree removes dir and its sub-directories bottom-up. Any
// non-directory entry stops it with ErrBucketNotEmpty.
func removeEmptyTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			return ErrBucketNotEmpty
		}
		if err := removeEmptyTree(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if isDirNotEmpty(err) {
			return ErrBucketNotEmpty
		}
		return err
	}
	return nil
}

// removeBucketDir deletes an empty bucket directory without recursive
// removal. A file written concurrently makes it fail with ErrBucketNotEmpty
// and stay in place.
func removeBucketDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var metadataFiles []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			if err := removeEmptyTree(path); err != nil {
				return err
			}
		case isMetadataFile(entry.Name()):
			metadataFiles = append(metadataFiles, path)
		default:
			return ErrBucketNotEmpty
		}
	}

	for _, path := range metadataFiles {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if err := os.Remove(dir); err != nil {
		if isDirNotEmpty(err) {
			return ErrBucketNotEmpty
		}
		return err
	}
	return nil
}
