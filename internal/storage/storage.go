package storage

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrBucketNotEmpty = errors.New("bucket not empty")
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadNotFound = errors.New("upload not found")
	ErrPartNotFound   = errors.New("part not found")
	ErrInvalidKey     = errors.New("invalid object key")
	ErrInvalidRegion  = errors.New("invalid region")
	ErrInvalidPart    = errors.New("invalid part number")
)

const (
	// MetadataFileName is the per-bucket side file holding object metadata.
	MetadataFileName = ".metadata.json"

	// TempDirName is the per-bucket staging area for multipart uploads.
	TempDirName = ".tmp"

	MaxKeyLength  = 1024
	MaxPartNumber = 10000
)

var regionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// BucketInfo describes a bucket.
type BucketInfo struct {
	Name         string
	Region       string
	CreationDate time.Time
}

// ObjectInfo describes a stored object. ETag is the hex MD5 of the content,
// without quotes.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// PartInfo describes a staged multipart part.
type PartInfo struct {
	PartNumber   int
	Size         int64
	LastModified time.Time
	ETag         string
}

// Range selects the half-open byte interval [Start, End) of an object. An
// End below zero reads to the end of the object.
type Range struct {
	Start int64
	End   int64
}

// Backend is the storage engine for the Region -> Bucket -> Object
// hierarchy together with the per-bucket multipart staging area.
type Backend interface {
	Registry() *BucketRegistry

	// ListBuckets returns the buckets of region sorted by name.
	ListBuckets(ctx context.Context, region string) ([]BucketInfo, error)
	HeadBucket(ctx context.Context, bucket string) (BucketInfo, error)
	CreateBucket(ctx context.Context, bucket string, region string) (BucketInfo, error)

	// DeleteBucket removes a bucket. It refuses with ErrBucketNotEmpty unless
	// the only contents are the metadata file and an empty temp area.
	DeleteBucket(ctx context.Context, bucket string) error
	IsBucketEmpty(ctx context.Context, bucket string) (bool, error)

	StatObject(ctx context.Context, bucket string, key string) (ObjectInfo, error)

	// OpenObject returns a reader over the object, restricted to rng when it
	// is not nil. The returned ObjectInfo always describes the whole object.
	OpenObject(ctx context.Context, bucket string, key string, rng *Range) (io.ReadCloser, ObjectInfo, error)

	// PutObject creates or replaces an object with the contents of r.
	// Concurrent writers to the same key are not serialized.
	PutObject(ctx context.Context, bucket string, key string, r io.Reader) (ObjectInfo, error)

	// DeleteObject removes an object. Deleting a missing object succeeds.
	DeleteObject(ctx context.Context, bucket string, key string) error

	// ListObjects enumerates every object of a bucket sorted by key in byte
	// order, excluding the metadata file and the temp area.
	ListObjects(ctx context.Context, bucket string) ([]ObjectInfo, error)

	CreateUpload(ctx context.Context, bucket string, uploadID string) error
	PutPart(ctx context.Context, bucket string, uploadID string, partNumber int, r io.Reader) (PartInfo, error)
	ListParts(ctx context.Context, bucket string, uploadID string) ([]PartInfo, error)

	// ConcatParts writes the given parts, in the given order, into the
	// object at key and returns the resulting object. Every part is checked
	// before the destination is touched.
	ConcatParts(ctx context.Context, bucket string, uploadID string, key string, parts []int) (ObjectInfo, error)
	RemoveUpload(ctx context.Context, bucket string, uploadID string) error
}

// BucketExists reports whether bucket exists in b.
func BucketExists(ctx context.Context, b Backend, bucket string) bool {
	_, err := b.HeadBucket(ctx, bucket)
	return err == nil
}

// ObjectExists reports whether key exists in bucket.
func ObjectExists(ctx context.Context, b Backend, bucket string, key string) bool {
	_, err := b.StatObject(ctx, bucket, key)
	return err == nil
}

// ValidateRegion checks that region is usable as a directory name.
func ValidateRegion(region string) error {
	if !regionPattern.MatchString(region) {
		return ErrInvalidRegion
	}
	return nil
}

// ValidateKey rejects keys that cannot be mapped onto a file path inside the
// bucket directory, or that would collide with the bucket's bookkeeping.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}

	for i := 0; i < len(key); i++ {
		if c := key[i]; c < 0x20 || c == 0x7f || c == '\\' {
			return ErrInvalidKey
		}
	}

	if strings.HasSuffix(key, "/") || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}

	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return ErrInvalidKey
		}
	}

	if isMetadataName(key) {
		return ErrInvalidKey
	}

	if key == TempDirName || strings.HasPrefix(key, TempDirName+"/") {
		return ErrInvalidKey
	}

	return nil
}

// isMetadataName matches the metadata side file and the temporary files the
// atomic writer creates next to it, which carry a numeric suffix.
func isMetadataName(name string) bool {
	suffix, ok := strings.CutPrefix(name, MetadataFileName)
	if !ok {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		if suffix[i] < '0' || suffix[i] > '9' {
			return false
		}
	}
	return true
}

func validatePartNumber(n int) error {
	if n < 1 || n > MaxPartNumber {
		return ErrInvalidPart
	}
	return nil
}
