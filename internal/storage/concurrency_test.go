package storage_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pseudos3/internal/storage"

	"github.com/stretchr/testify/require"
)

// Same-key writers are not serialized: every writer is acknowledged and the
// object ends up holding exactly one writer's payload.
func TestBackendConcurrentSameKeyWriters(t *testing.T) {
	t.Parallel()

	const writers = 8

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			_, err := engine.CreateBucket(ctx, "contended", "us-east-1")
			require.NoError(t, err)

			payloads := make([][]byte, writers)
			for i := range payloads {
				payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 4096)
			}

			var wg sync.WaitGroup
			errs := make([]error, writers)
			for i := range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = engine.PutObject(ctx, "contended", "dir/same.key", bytes.NewReader(payloads[i]))
				}()
			}
			wg.Wait()

			for i, err := range errs {
				require.NoError(t, err, "writer %d", i)
			}

			rc, info, err := engine.OpenObject(ctx, "contended", "dir/same.key", nil)
			require.NoError(t, err)
			got := readAll(t, rc)

			require.Contains(t, payloads, got, "final content must be one writer's payload")
			require.Equal(t, md5Hex(got), info.ETag, "ETag matches the surviving payload")
		})
	}
}

func TestMultipartConcurrentStaging(t *testing.T) {
	t.Parallel()

	const parts = 16

	for name, f := range multipartFixtures(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			uploadID, err := f.manager.Initiate(ctx, "mp", "parallel.bin", nil)
			require.NoError(t, err)

			data := make([]string, parts)
			for i := range data {
				data[i] = strings.Repeat(fmt.Sprintf("part-%02d;", i+1), 64)
			}

			var wg sync.WaitGroup
			errs := make([]error, parts)
			for i := range parts {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = f.manager.StagePart(ctx, "mp", uploadID, i+1, strings.NewReader(data[i]))
				}()
			}
			wg.Wait()

			for i, err := range errs {
				require.NoError(t, err, "part %d", i+1)
			}

			staged, err := f.manager.ListParts(ctx, "mp", uploadID)
			require.NoError(t, err)
			require.Len(t, staged, parts)

			manifest := make([]int, parts)
			for i := range manifest {
				manifest[i] = i + 1
			}

			info, err := f.manager.Complete(ctx, "mp", "parallel.bin", uploadID, manifest)
			require.NoError(t, err)

			want := strings.Join(data, "")
			require.Equal(t, md5Hex([]byte(want)), info.ETag)

			rc, _, err := f.backend.OpenObject(ctx, "mp", "parallel.bin", nil)
			require.NoError(t, err)
			require.Equal(t, want, string(readAll(t, rc)), "parts concatenate in manifest order")
		})
	}
}

// A bucket delete racing a write either refuses with ErrBucketNotEmpty or
// wins before the write lands. It never drops an acknowledged object and
// never leaves a directory behind the registry.
func TestBackendDeleteBucketRacingWriter(t *testing.T) {
	t.Parallel()

	for name, engine := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			for i := range 100 {
				bucket := fmt.Sprintf("race-%d", i)
				_, err := engine.CreateBucket(ctx, bucket, "us-east-1")
				require.NoError(t, err)

				key := "obj.txt"
				if i%2 == 1 {
					key = "nested/dir/obj.txt"
				}

				var (
					wg     sync.WaitGroup
					putErr error
					delErr error
				)
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, putErr = engine.PutObject(ctx, bucket, key, strings.NewReader("acknowledged"))
				}()
				go func() {
					defer wg.Done()
					delErr = engine.DeleteBucket(ctx, bucket)
				}()
				wg.Wait()

				if delErr != nil {
					require.ErrorIs(t, delErr, storage.ErrBucketNotEmpty, "iteration %d", i)
				}

				if putErr == nil {
					require.Error(t, delErr, "iteration %d: an acknowledged object must keep its bucket", i)

					rc, _, err := engine.OpenObject(ctx, bucket, key, nil)
					require.NoError(t, err, "iteration %d", i)
					require.Equal(t, "acknowledged", string(readAll(t, rc)))
				}

				if delErr == nil {
					_, ok := engine.Registry().Lookup(bucket)
					require.False(t, ok, "iteration %d", i)

					if disk, ok := engine.(*storage.LocalFileStorage); ok {
						require.NoDirExists(t, storage.BucketPath(disk.DataDir(), "us-east-1", bucket), "iteration %d", i)
					}
				}
			}
		})
	}
}

func TestLocalFileStorageDeleteBucketRemovesEmptyTree(t *testing.T) {
	t.Parallel()

	engine, dataDir := newDiskBackend(t)
	ctx := t.Context()

	_, err := engine.CreateBucket(ctx, "tidy", "eu-west-1")
	require.NoError(t, err)

	bucketDir := storage.BucketPath(dataDir, "eu-west-1", "tidy")
	require.NoError(t, os.MkdirAll(filepath.Join(bucketDir, "a", "b", "c"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(bucketDir, storage.TempDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bucketDir, storage.MetadataFileName), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bucketDir, storage.MetadataFileName+"123456"), []byte(`{`), 0o644))

	require.NoError(t, engine.DeleteBucket(ctx, "tidy"))
	require.NoDirExists(t, bucketDir)

	_, err = engine.PutObject(ctx, "tidy", "a/b/late.txt", strings.NewReader("late"))
	require.ErrorIs(t, err, storage.ErrBucketNotFound)
	require.NoDirExists(t, bucketDir, "a write after the delete must not recreate the bucket")
}

func TestLocalFileStorageMetadataLikeKeysAreObjects(t *testing.T) {
	t.Parallel()

	engine, _ := newDiskBackend(t)
	ctx := t.Context()

	_, err := engine.CreateBucket(ctx, "lookalike", "us-east-1")
	require.NoError(t, err)

	_, err = engine.PutObject(ctx, "lookalike", ".metadata.json.bak", strings.NewReader("backup"))
	require.NoError(t, err)

	objects, err := engine.ListObjects(ctx, "lookalike")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, ".metadata.json.bak", objects[0].Key)

	require.ErrorIs(t, engine.DeleteBucket(ctx, "lookalike"), storage.ErrBucketNotEmpty)
}
