package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// LocalFileStorage is a Backend that maps the S3 namespace directly onto the
// local filesystem. Buckets live at dataDir/{region}/{bucket} and objects at
// dataDir/{region}/{bucket}/{key}, so keys containing "/" become nested
// directories. Multipart parts are staged under the bucket's .tmp directory.
type LocalFileStorage struct {
	dataDir  string
	registry *BucketRegistry
}

// NewLocalFileStorage creates a LocalFileStorage rooted at dataDir and
// rebuilds registry from the buckets already on disk. A nil registry gets a
// fresh one.
func NewLocalFileStorage(dataDir string, registry *BucketRegistry) (*LocalFileStorage, error) {
	if dataDir == "" {
		return nil, errors.New("data directory must not be empty")
	}

	if registry == nil {
		registry = NewBucketRegistry()
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if err := registry.Rebuild(dataDir); err != nil {
		return nil, err
	}

	return &LocalFileStorage{dataDir: dataDir, registry: registry}, nil
}

// BucketPath computes the directory of bucket in region.
func BucketPath(dataDir string, region string, bucket string) string {
	return filepath.Join(dataDir, region, bucket)
}

// ObjectPath computes the full filesystem path of key inside a bucket
// directory.
func ObjectPath(bucketDir string, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(bucketDir, filepath.FromSlash(key)), nil
}

// isMetadataFile matches the metadata side file and the temporary files
// written next to it while it is replaced.
func isMetadataFile(rel string) bool {
	return isMetadataName(rel)
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func validUploadID(uploadID string) bool {
	return uploadID != "" && uploadID != "." && uploadID != ".." && !strings.ContainsAny(uploadID, `/\`)
}

func (s *LocalFileStorage) Registry() *BucketRegistry {
	return s.registry
}

// DataDir returns the root directory of the region tree.
func (s *LocalFileStorage) DataDir() string {
	return s.dataDir
}

func (s *LocalFileStorage) bucketDir(bucket string) (string, error) {
	region, ok := s.registry.Lookup(bucket)
	if !ok {
		return "", ErrBucketNotFound
	}

	dir := BucketPath(s.dataDir, region, bucket)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", ErrBucketNotFound
	}

	return dir, nil
}

func (s *LocalFileStorage) uploadDir(bucket string, uploadID string) (string, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return "", err
	}

	if !validUploadID(uploadID) {
		return "", ErrUploadNotFound
	}

	return filepath.Join(dir, TempDirName, uploadID), nil
}

func (s *LocalFileStorage) ListBuckets(ctx context.Context, region string) ([]BucketInfo, error) {
	names := s.registry.Buckets(region)

	buckets := make([]BucketInfo, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(BucketPath(s.dataDir, region, name))
		if err != nil {
			continue
		}

		buckets = append(buckets, BucketInfo{
			Name:         name,
			Region:       region,
			CreationDate: changeTime(info),
		})
	}

	return buckets, nil
}

func (s *LocalFileStorage) HeadBucket(ctx context.Context, bucket string) (BucketInfo, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return BucketInfo{}, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return BucketInfo{}, ErrBucketNotFound
	}

	region, _ := s.registry.Lookup(bucket)
	return BucketInfo{Name: bucket, Region: region, CreationDate: changeTime(info)}, nil
}

func (s *LocalFileStorage) CreateBucket(ctx context.Context, bucket string, region string) (BucketInfo, error) {
	if err := ValidateRegion(region); err != nil {
		return BucketInfo{}, err
	}

	dir := BucketPath(s.dataDir, region, bucket)

	err := s.registry.Create(bucket, region, func() error {

		// Regions are created lazily and never removed.
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return fmt.Errorf("create region dir: %w", err)
		}

		if err := os.Mkdir(dir, 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return ErrBucketExists
			}
			return fmt.Errorf("create bucket dir: %w", err)
		}
		return nil
	})
	if err != nil {
		return BucketInfo{}, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return BucketInfo{}, err
	}

	return BucketInfo{Name: bucket, Region: region, CreationDate: changeTime(info)}, nil
}

// bucketDirEmpty reports whether dir holds nothing besides the metadata file
// and an empty temp area.
func bucketDirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		name := entry.Name()
		switch {
		case isMetadataFile(name) && !entry.IsDir():
			continue
		case name == TempDirName && entry.IsDir():
			pending, err := os.ReadDir(filepath.Join(dir, name))
			if err != nil {
				return false, err
			}
			if len(pending) > 0 {
				return false, nil
			}
		case entry.IsDir():

			// Directories left behind without any object in them do not
			// make a bucket non-empty.
			found, err := hasRegularFiles(filepath.Join(dir, name))
			if err != nil {
				return false, err
			}
			if found {
				return false, nil
			}
		default:
			return false, nil
		}
	}

	return true, nil
}

func (s *LocalFileStorage) IsBucketEmpty(ctx context.Context, bucket string) (bool, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return false, err
	}
	return bucketDirEmpty(dir)
}

func (s *LocalFileStorage) DeleteBucket(ctx context.Context, bucket string) error {
	return s.registry.Delete(bucket, func(region string) error {
		dir := BucketPath(s.dataDir, region, bucket)

		empty, err := bucketDirEmpty(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !empty {
			return ErrBucketNotEmpty
		}

		return removeBucketDir(dir)
	})
}

func (s *LocalFileStorage) objectPath(bucket string, key string) (string, string, error) {
	if err := ValidateKey(key); err != nil {
		return "", "", err
	}

	dir, err := s.bucketDir(bucket)
	if err != nil {
		return "", "", err
	}

	objPath, err := ObjectPath(dir, key)
	if err != nil {
		return "", "", err
	}

	return dir, objPath, nil
}

func statFile(path string, key string) (ObjectInfo, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return ObjectInfo{}, ErrObjectNotFound
	}

	etag, err := fileMD5(path)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("hash object: %w", err)
	}

	return ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
		ETag:         etag,
	}, nil
}

func (s *LocalFileStorage) StatObject(ctx context.Context, bucket string, key string) (ObjectInfo, error) {
	_, objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return statFile(objPath, key)
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (s *LocalFileStorage) OpenObject(ctx context.Context, bucket string, key string, rng *Range) (io.ReadCloser, ObjectInfo, error) {
	_, objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	info, err := statFile(objPath, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	f, err := os.Open(objPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, err
	}

	if rng == nil {
		return f, info, nil
	}

	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, ObjectInfo{}, err
	}

	if rng.End < 0 {
		return f, info, nil
	}

	return readCloser{Reader: io.LimitReader(f, rng.End-rng.Start), Closer: f}, info, nil
}

func (s *LocalFileStorage) PutObject(ctx context.Context, bucket string, key string, r io.Reader) (ObjectInfo, error) {
	dir, objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}

	if info, err := os.Stat(objPath); err == nil && info.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s is a prefix of other objects", ErrInvalidKey, key)
	}

	etag, size, err := writeFile(dir, objPath, r)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !dirExists(dir) {
			return ObjectInfo{}, ErrBucketNotFound
		}
		return ObjectInfo{}, fmt.Errorf("write object: %w", err)
	}

	info, err := os.Stat(objPath)
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{Key: key, Size: size, LastModified: info.ModTime().UTC(), ETag: etag}, nil
}

func (s *LocalFileStorage) DeleteObject(ctx context.Context, bucket string, key string) error {
	dir, objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	info, err := os.Stat(objPath)
	if err != nil || info.IsDir() {
		return nil
	}

	if err := os.Remove(objPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	pruneEmptyParents(objPath, dir)
	return nil
}

func (s *LocalFileStorage) ListObjects(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return nil, err
	}

	objects := make([]ObjectInfo, 0)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if rel == TempDirName {
				return filepath.SkipDir
			}
			return nil
		}

		if isMetadataFile(rel) || !d.Type().IsRegular() {
			return nil
		}

		info, err := statFile(path, filepath.ToSlash(rel))
		if err != nil {
			return err
		}

		objects = append(objects, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bucket %s: %w", bucket, err)
	}

	// WalkDir orders by file name within each directory, which is not the
	// byte order of the full keys ("a.txt" < "a/b").
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})

	return objects, nil
}

func (s *LocalFileStorage) CreateUpload(ctx context.Context, bucket string, uploadID string) error {
	dir, err := s.uploadDir(bucket, uploadID)
	if err != nil {
		return err
	}

	bucketDir := filepath.Dir(filepath.Dir(dir))
	if err := mkdirUnder(bucketDir, dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketNotFound
		}
		return err
	}
	return nil
}

func (s *LocalFileStorage) existingUploadDir(bucket string, uploadID string) (string, error) {
	dir, err := s.uploadDir(bucket, uploadID)
	if err != nil {
		return "", err
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", ErrUploadNotFound
	}

	return dir, nil
}

func (s *LocalFileStorage) PutPart(ctx context.Context, bucket string, uploadID string, partNumber int, r io.Reader) (PartInfo, error) {
	if err := validatePartNumber(partNumber); err != nil {
		return PartInfo{}, err
	}

	dir, err := s.existingUploadDir(bucket, uploadID)
	if err != nil {
		return PartInfo{}, err
	}

	partPath := filepath.Join(dir, strconv.Itoa(partNumber))
	etag, size, err := writeFile(dir, partPath, r)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PartInfo{}, ErrUploadNotFound
		}
		return PartInfo{}, fmt.Errorf("write part %d: %w", partNumber, err)
	}

	info, err := os.Stat(partPath)
	if err != nil {
		return PartInfo{}, err
	}

	return PartInfo{PartNumber: partNumber, Size: size, LastModified: info.ModTime().UTC(), ETag: etag}, nil
}

func (s *LocalFileStorage) ListParts(ctx context.Context, bucket string, uploadID string) ([]PartInfo, error) {
	dir, err := s.existingUploadDir(bucket, uploadID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	parts := make([]PartInfo, 0, len(entries))
	for _, entry := range entries {
		n, err := strconv.Atoi(entry.Name())
		if err != nil || entry.IsDir() {
			continue
		}

		partPath := filepath.Join(dir, entry.Name())
		info, err := os.Stat(partPath)
		if err != nil {
			continue
		}

		etag, err := fileMD5(partPath)
		if err != nil {
			return nil, err
		}

		parts = append(parts, PartInfo{PartNumber: n, Size: info.Size(), LastModified: info.ModTime().UTC(), ETag: etag})
	}

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})

	return parts, nil
}

func (s *LocalFileStorage) ConcatParts(ctx context.Context, bucket string, uploadID string, key string, parts []int) (ObjectInfo, error) {
	dir, err := s.existingUploadDir(bucket, uploadID)
	if err != nil {
		return ObjectInfo{}, err
	}

	bucketDir, objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}

	partPaths := make([]string, 0, len(parts))
	for _, n := range parts {
		partPath := filepath.Join(dir, strconv.Itoa(n))
		if info, err := os.Stat(partPath); err != nil || !info.Mode().IsRegular() {
			return ObjectInfo{}, fmt.Errorf("%w: part %d of upload %s", ErrPartNotFound, n, uploadID)
		}
		partPaths = append(partPaths, partPath)
	}

	if err := mkdirUnder(bucketDir, filepath.Dir(objPath)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrBucketNotFound
		}
		return ObjectInfo{}, err
	}

	dest, err := os.OpenFile(objPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrBucketNotFound
		}
		return ObjectInfo{}, fmt.Errorf("open destination: %w", err)
	}

	// Bytes already appended stay in place when a later part fails.
	hw := newHashingWriter(dest)
	for i, partPath := range partPaths {
		if err := appendFile(hw, partPath); err != nil {
			_ = dest.Close()
			return ObjectInfo{}, fmt.Errorf("append part %d: %w", parts[i], err)
		}
	}

	if err := dest.Close(); err != nil {
		return ObjectInfo{}, err
	}

	info, err := os.Stat(objPath)
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{Key: key, Size: hw.n, LastModified: info.ModTime().UTC(), ETag: hw.ETag()}, nil
}

func (s *LocalFileStorage) RemoveUpload(ctx context.Context, bucket string, uploadID string) error {
	dir, err := s.uploadDir(bucket, uploadID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
