package storage_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pseudos3/internal/storage"

	"github.com/stretchr/testify/require"
)

func metadataStores(t *testing.T) map[string]storage.MetadataStore {
	t.Helper()

	disk, dataDir := newDiskBackend(t)
	_, err := disk.CreateBucket(t.Context(), "meta", "us-east-1")
	require.NoError(t, err)

	sqliteStore, err := storage.NewSQLiteMetadataStore(t.Context(), filepath.Join(t.TempDir(), "metadata.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]storage.MetadataStore{
		"json":   storage.NewJSONMetadataStore(dataDir, disk.Registry()),
		"sqlite": sqliteStore,
		"memory": storage.NewMemoryMetadataStore(),
	}
}

func TestMetadataStoreSetGetDelete(t *testing.T) {
	t.Parallel()

	for name, store := range metadataStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			md, err := store.Get(ctx, "meta", "absent")
			require.NoError(t, err)
			require.Nil(t, md)

			want := storage.Metadata{"content-type": "image/png", "x-amz-meta-color": "blue"}
			require.NoError(t, store.Set(ctx, "meta", "img.png", want))

			got, err := store.Get(ctx, "meta", "img.png")
			require.NoError(t, err)
			require.Equal(t, want, got)

			require.NoError(t, store.Set(ctx, "meta", "img.png", storage.Metadata{"content-type": "image/jpeg"}))
			got, err = store.Get(ctx, "meta", "img.png")
			require.NoError(t, err)
			require.Equal(t, storage.Metadata{"content-type": "image/jpeg"}, got, "Set replaces the whole entry")

			require.NoError(t, store.Delete(ctx, "meta", "img.png"))
			require.NoError(t, store.Delete(ctx, "meta", "img.png"))
			got, err = store.Get(ctx, "meta", "img.png")
			require.NoError(t, err)
			require.Nil(t, got)
		})
	}
}

func TestMetadataStoreMove(t *testing.T) {
	t.Parallel()

	for name, store := range metadataStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			require.NoError(t, store.Set(ctx, "meta", "upload-1", storage.Metadata{"x-amz-meta-a": "1"}))
			require.NoError(t, store.Set(ctx, "meta", "final", storage.Metadata{"x-amz-meta-old": "stale"}))

			require.NoError(t, store.Move(ctx, "meta", "upload-1", "final"))

			got, err := store.Get(ctx, "meta", "final")
			require.NoError(t, err)
			require.Equal(t, storage.Metadata{"x-amz-meta-a": "1"}, got, "move replaces the target")

			got, err = store.Get(ctx, "meta", "upload-1")
			require.NoError(t, err)
			require.Nil(t, got)

			// Moving from an absent source clears the target.
			require.NoError(t, store.Move(ctx, "meta", "upload-2", "final"))
			got, err = store.Get(ctx, "meta", "final")
			require.NoError(t, err)
			require.Nil(t, got)
		})
	}
}

func TestMetadataStoreConcurrentWriters(t *testing.T) {
	t.Parallel()

	for name, store := range metadataStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			const writers = 16

			var wg sync.WaitGroup
			for i := range writers {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("key-%02d", i)
					require.NoError(t, store.Set(ctx, "meta", key, storage.Metadata{"x-amz-meta-i": key}))
				}(i)
			}
			wg.Wait()

			for i := range writers {
				key := fmt.Sprintf("key-%02d", i)
				got, err := store.Get(ctx, "meta", key)
				require.NoError(t, err)
				require.Equal(t, key, got["x-amz-meta-i"], "no read-modify-write update may be lost")
			}
		})
	}
}

func TestJSONMetadataStoreFileLocation(t *testing.T) {
	t.Parallel()

	disk, dataDir := newDiskBackend(t)
	ctx := t.Context()

	_, err := disk.CreateBucket(ctx, "side", "sa-east-1")
	require.NoError(t, err)

	store := storage.NewJSONMetadataStore(dataDir, disk.Registry())
	require.NoError(t, store.Set(ctx, "side", "k", storage.Metadata{"content-type": "text/plain"}))

	raw, err := os.ReadFile(filepath.Join(dataDir, "sa-east-1", "side", storage.MetadataFileName))
	require.NoError(t, err)
	require.JSONEq(t, `{"k":{"content-type":"text/plain"}}`, string(raw))

	require.ErrorIs(t, store.Set(ctx, "missing", "k", nil), storage.ErrBucketNotFound)
}

func TestSQLiteMetadataStoreDropBucket(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	dbPath := filepath.Join(t.TempDir(), "metadata.sqlite")

	store, err := storage.NewSQLiteMetadataStore(ctx, dbPath)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "a", "k", storage.Metadata{"x-amz-meta-v": "1"}))
	require.NoError(t, store.Set(ctx, "b", "k", storage.Metadata{"x-amz-meta-v": "2"}))
	require.NoError(t, store.DropBucket(ctx, "a"))
	require.NoError(t, store.Close())

	// Reopening reruns the migrations over the existing schema.
	store, err = storage.NewSQLiteMetadataStore(ctx, dbPath)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, "a", "k")
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = store.Get(ctx, "b", "k")
	require.NoError(t, err)
	require.Equal(t, "2", got["x-amz-meta-v"])
}
