package storage_test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pseudos3/internal/storage"

	"github.com/stretchr/testify/require"
)

func newDiskBackend(t *testing.T) (*storage.LocalFileStorage, string) {
	t.Helper()

	dataDir := t.TempDir()
	engine, err := storage.NewLocalFileStorage(dataDir, nil)
	require.NoError(t, err, "NewLocalFileStorage error")
	return engine, dataDir
}

// backends returns a fresh instance of every Backend implementation.
func backends(t *testing.T) map[string]storage.Backend {
	t.Helper()

	disk, _ := newDiskBackend(t)
	return map[string]storage.Backend{
		"disk":   disk,
		"memory": storage.NewMemoryBackend(nil),
	}
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestBackendPutAndGet(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.CreateBucket(ctx, "example", "us-east-1")
			require.NoError(t, err)

			payload := []byte("hello local storage")
			info, err := engine.PutObject(ctx, "example", "dir/sub/hello.txt", bytes.NewReader(payload))
			require.NoError(t, err, "PutObject error")
			require.Equal(t, md5Hex(payload), info.ETag, "ETag must be the hex MD5 of the content")
			require.Equal(t, int64(len(payload)), info.Size)

			stat, err := engine.StatObject(ctx, "example", "dir/sub/hello.txt")
			require.NoError(t, err)
			require.Equal(t, info.ETag, stat.ETag)
			require.Equal(t, info.Size, stat.Size)

			rc, got, err := engine.OpenObject(ctx, "example", "dir/sub/hello.txt", nil)
			require.NoError(t, err)
			require.Equal(t, payload, readAll(t, rc), "payload mismatch")
			require.Equal(t, int64(len(payload)), got.Size)

			// Overwrite replaces the content entirely.
			_, err = engine.PutObject(ctx, "example", "dir/sub/hello.txt", strings.NewReader("short"))
			require.NoError(t, err)
			rc, _, err = engine.OpenObject(ctx, "example", "dir/sub/hello.txt", nil)
			require.NoError(t, err)
			require.Equal(t, "short", string(readAll(t, rc)))
		})
	}
}

func TestBackendRangeRead(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.CreateBucket(ctx, "ranges", "us-east-1")
			require.NoError(t, err)
			_, err = engine.PutObject(ctx, "ranges", "digits", strings.NewReader("0123456789"))
			require.NoError(t, err)

			tests := []struct {
				name string
				rng  storage.Range
				want string
			}{
				{name: "half open", rng: storage.Range{Start: 2, End: 5}, want: "234"},
				{name: "to end", rng: storage.Range{Start: 7, End: -1}, want: "789"},
				{name: "past end", rng: storage.Range{Start: 8, End: 100}, want: "89"},
				{name: "first byte", rng: storage.Range{Start: 0, End: 1}, want: "0"},
			}

			for _, tc := range tests {
				rc, info, err := engine.OpenObject(ctx, "ranges", "digits", &tc.rng)
				require.NoError(t, err, tc.name)
				require.Equal(t, tc.want, string(readAll(t, rc)), tc.name)
				require.Equal(t, int64(10), info.Size, "info describes the whole object")
			}
		})
	}
}

func TestBackendMissingBucketAndObject(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.PutObject(ctx, "nope", "key", strings.NewReader("x"))
			require.ErrorIs(t, err, storage.ErrBucketNotFound, "writing into a missing bucket must fail")

			_, err = engine.CreateBucket(ctx, "present", "us-east-1")
			require.NoError(t, err)

			_, err = engine.StatObject(ctx, "present", "missing")
			require.ErrorIs(t, err, storage.ErrObjectNotFound)

			_, _, err = engine.OpenObject(ctx, "present", "missing", nil)
			require.ErrorIs(t, err, storage.ErrObjectNotFound)

			require.False(t, storage.ObjectExists(ctx, engine, "present", "missing"))
			require.True(t, storage.BucketExists(ctx, engine, "present"))
			require.False(t, storage.BucketExists(ctx, engine, "nope"))
		})
	}
}

func TestBackendDeleteObjectIsIdempotent(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.CreateBucket(ctx, "bucket", "us-east-1")
			require.NoError(t, err)

			require.NoError(t, engine.DeleteObject(ctx, "bucket", "never/existed"))
			require.NoError(t, engine.DeleteObject(ctx, "bucket", "never/existed"))

			_, err = engine.PutObject(ctx, "bucket", "a/b/c", strings.NewReader("x"))
			require.NoError(t, err)
			require.NoError(t, engine.DeleteObject(ctx, "bucket", "a/b/c"))
			require.NoError(t, engine.DeleteObject(ctx, "bucket", "a/b/c"))

			empty, err := engine.IsBucketEmpty(ctx, "bucket")
			require.NoError(t, err)
			require.True(t, empty)
		})
	}
}

func TestBackendDeleteNonEmptyBucket(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.CreateBucket(ctx, "full", "us-east-1")
			require.NoError(t, err)
			_, err = engine.PutObject(ctx, "full", "keep.txt", strings.NewReader("keep"))
			require.NoError(t, err)

			err = engine.DeleteBucket(ctx, "full")
			require.ErrorIs(t, err, storage.ErrBucketNotEmpty)

			rc, _, err := engine.OpenObject(ctx, "full", "keep.txt", nil)
			require.NoError(t, err, "objects must survive a refused delete")
			require.Equal(t, "keep", string(readAll(t, rc)))

			region, ok := engine.Registry().Lookup("full")
			require.True(t, ok, "refused delete must keep the bucket indexed")
			require.Equal(t, "us-east-1", region)

			require.ErrorIs(t, engine.DeleteBucket(ctx, "missing"), storage.ErrBucketNotFound)
		})
	}
}

func TestBackendPendingUploadBlocksBucketDelete(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.CreateBucket(ctx, "uploads", "us-east-1")
			require.NoError(t, err)
			require.NoError(t, engine.CreateUpload(ctx, "uploads", "0b1e6a4c-5d0e-4a36-9c2f-52c6c3a8d3f1"))

			require.ErrorIs(t, engine.DeleteBucket(ctx, "uploads"), storage.ErrBucketNotEmpty)

			require.NoError(t, engine.RemoveUpload(ctx, "uploads", "0b1e6a4c-5d0e-4a36-9c2f-52c6c3a8d3f1"))
			require.NoError(t, engine.DeleteBucket(ctx, "uploads"))
		})
	}
}

func TestBackendBucketIndexConsistency(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.CreateBucket(ctx, "roaming", "us-east-1")
			require.NoError(t, err)

			_, err = engine.CreateBucket(ctx, "roaming", "eu-west-1")
			require.ErrorIs(t, err, storage.ErrBucketExists, "bucket names are unique across regions")

			require.NoError(t, engine.DeleteBucket(ctx, "roaming"))
			_, ok := engine.Registry().Lookup("roaming")
			require.False(t, ok)

			info, err := engine.CreateBucket(ctx, "roaming", "eu-west-1")
			require.NoError(t, err)
			require.Equal(t, "eu-west-1", info.Region)

			region, ok := engine.Registry().Lookup("roaming")
			require.True(t, ok)
			require.Equal(t, "eu-west-1", region)

			east, err := engine.ListBuckets(ctx, "us-east-1")
			require.NoError(t, err)
			require.Empty(t, east)

			west, err := engine.ListBuckets(ctx, "eu-west-1")
			require.NoError(t, err)
			require.Len(t, west, 1)
			require.Equal(t, "roaming", west[0].Name)
		})
	}
}

func TestBackendInvalidRegion(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			for _, region := range []string{"", "US-EAST-1", "../escape", "a/b", "-leading"} {
				_, err := engine.CreateBucket(t.Context(), "b", region)
				require.ErrorIs(t, err, storage.ErrInvalidRegion, region)
			}
		})
	}
}

func TestBackendListObjectsOrderAndExclusions(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.CreateBucket(ctx, "listing", "us-east-1")
			require.NoError(t, err)

			for _, key := range []string{"a/b", "a.txt", "b", "Z", "a/c/d"} {
				_, err := engine.PutObject(ctx, "listing", key, strings.NewReader(key))
				require.NoError(t, err)
			}
			require.NoError(t, engine.CreateUpload(ctx, "listing", "6f1f2c1e-8f0a-4a0e-9a53-2f0f5b9b6a10"))
			_, err = engine.PutPart(ctx, "listing", "6f1f2c1e-8f0a-4a0e-9a53-2f0f5b9b6a10", 1, strings.NewReader("hidden"))
			require.NoError(t, err)

			objects, err := engine.ListObjects(ctx, "listing")
			require.NoError(t, err)

			keys := make([]string, 0, len(objects))
			for _, o := range objects {
				keys = append(keys, o.Key)
			}
			require.Equal(t, []string{"Z", "a.txt", "a/b", "a/c/d", "b"}, keys, "byte order, staging area hidden")
		})
	}
}

func TestLocalFileStorageLayout(t *testing.T) {
	t.Parallel()

	engine, dataDir := newDiskBackend(t)
	ctx := t.Context()

	_, err := engine.CreateBucket(ctx, "photos", "ap-south-1")
	require.NoError(t, err)

	_, err = engine.PutObject(ctx, "photos", "2024/cat.jpg", strings.NewReader("meow"))
	require.NoError(t, err)

	objPath := filepath.Join(dataDir, "ap-south-1", "photos", "2024", "cat.jpg")
	data, err := os.ReadFile(objPath)
	require.NoError(t, err, "expected object file at region/bucket/key")
	require.Equal(t, "meow", string(data))

	require.NoError(t, engine.DeleteObject(ctx, "photos", "2024/cat.jpg"))
	_, err = os.Stat(filepath.Dir(objPath))
	require.True(t, os.IsNotExist(err), "empty parent directories are pruned")

	_, err = os.Stat(filepath.Join(dataDir, "ap-south-1", "photos"))
	require.NoError(t, err, "bucket directory must survive object deletes")
}

func TestLocalFileStorageMetadataFileDoesNotCountAsObject(t *testing.T) {
	t.Parallel()

	engine, dataDir := newDiskBackend(t)
	ctx := t.Context()

	_, err := engine.CreateBucket(ctx, "meta", "us-east-1")
	require.NoError(t, err)

	bucketDir := filepath.Join(dataDir, "us-east-1", "meta")
	require.NoError(t, os.WriteFile(filepath.Join(bucketDir, storage.MetadataFileName), []byte(`{}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(bucketDir, storage.TempDirName), 0o755))

	objects, err := engine.ListObjects(ctx, "meta")
	require.NoError(t, err)
	require.Empty(t, objects)

	empty, err := engine.IsBucketEmpty(ctx, "meta")
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, engine.DeleteBucket(ctx, "meta"))
	_, err = os.Stat(bucketDir)
	require.True(t, os.IsNotExist(err), "bucket directory removed")
}

func TestLocalFileStorageRebuildsIndex(t *testing.T) {
	t.Parallel()

	engine, dataDir := newDiskBackend(t)
	ctx := t.Context()

	_, err := engine.CreateBucket(ctx, "persisted", "eu-central-1")
	require.NoError(t, err)
	_, err = engine.PutObject(ctx, "persisted", "k", strings.NewReader("v"))
	require.NoError(t, err)

	reopened, err := storage.NewLocalFileStorage(dataDir, nil)
	require.NoError(t, err)

	info, err := reopened.HeadBucket(ctx, "persisted")
	require.NoError(t, err)
	require.Equal(t, "eu-central-1", info.Region)
	require.False(t, info.CreationDate.IsZero())

	require.True(t, storage.ObjectExists(ctx, reopened, "persisted", "k"))
}

func TestLocalFileStorageKeyIsPrefixOfOtherObjects(t *testing.T) {
	t.Parallel()

	engine, _ := newDiskBackend(t)
	ctx := t.Context()

	_, err := engine.CreateBucket(ctx, "nest", "us-east-1")
	require.NoError(t, err)
	_, err = engine.PutObject(ctx, "nest", "dir/file", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = engine.PutObject(ctx, "nest", "dir", strings.NewReader("y"))
	require.ErrorIs(t, err, storage.ErrInvalidKey)

	_, err = engine.StatObject(ctx, "nest", "dir")
	require.ErrorIs(t, err, storage.ErrObjectNotFound, "directories are not objects")
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key   string
		valid bool
	}{
		{key: "simple.txt", valid: true},
		{key: "nested/path/to/file", valid: true},
		{key: "with space and unicode é", valid: true},
		{key: "dir/.metadata.json", valid: true},
		{key: ".tmpfile", valid: true},
		{key: "", valid: false},
		{key: strings.Repeat("a", storage.MaxKeyLength+1), valid: false},
		{key: "../escape", valid: false},
		{key: "a/../b", valid: false},
		{key: "a/./b", valid: false},
		{key: "a//b", valid: false},
		{key: "/leading", valid: false},
		{key: "trailing/", valid: false},
		{key: ".metadata.json", valid: false},
		{key: ".metadata.json4104955632", valid: false},
		{key: ".metadata.json.bak", valid: true},
		{key: ".metadata.jsonl", valid: true},
		{key: ".tmp", valid: false},
		{key: ".tmp/upload/1", valid: false},
		{key: "ctrl\x01char", valid: false},
		{key: `back\slash`, valid: false},
	}

	for _, tc := range tests {
		err := storage.ValidateKey(tc.key)
		if tc.valid {
			require.NoError(t, err, "key %q", tc.key)
		} else {
			require.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", tc.key)
		}
	}
}
