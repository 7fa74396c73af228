package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/natefinch/atomic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata maps lowercase header names (content-type, x-amz-meta-*) to
// their values.
type Metadata map[string]string

// MetadataStore keeps per-bucket metadata entries keyed by object key or by
// multipart upload id.
type MetadataStore interface {
	// Get returns the entry for key, or nil when there is none.
	Get(ctx context.Context, bucket string, key string) (Metadata, error)
	Set(ctx context.Context, bucket string, key string, md Metadata) error
	Delete(ctx context.Context, bucket string, key string) error

	// Move renames the entry from to the key to, replacing any entry
	// already there. When from has no entry, to is cleared.
	Move(ctx context.Context, bucket string, from string, to string) error

	// DropBucket forgets every entry of bucket.
	DropBucket(ctx context.Context, bucket string) error
}

// JSONMetadataStore persists one JSON document per bucket in the bucket
// directory's .metadata.json. Every change rewrites the whole file under a
// per-bucket lock.
type JSONMetadataStore struct {
	dataDir  string
	registry *BucketRegistry
	locks    *Locker
}

func NewJSONMetadataStore(dataDir string, registry *BucketRegistry) *JSONMetadataStore {
	return &JSONMetadataStore{
		dataDir:  dataDir,
		registry: registry,
		locks:    NewLocker(),
	}
}

func (s *JSONMetadataStore) path(bucket string) (string, error) {
	region, ok := s.registry.Lookup(bucket)
	if !ok {
		return "", ErrBucketNotFound
	}
	return filepath.Join(BucketPath(s.dataDir, region, bucket), MetadataFileName), nil
}

func (s *JSONMetadataStore) load(path string) (map[string]Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]Metadata), nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	entries := make(map[string]Metadata)
	if len(bytes.TrimSpace(raw)) == 0 {
		return entries, nil
	}

	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", path, err)
	}
	return entries, nil
}

func (s *JSONMetadataStore) store(path string, entries map[string]Metadata) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return ErrBucketNotFound
	}

	if err := atomic.WriteFile(path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// update runs fn over the bucket's entries and writes them back when fn
// reports a change.
func (s *JSONMetadataStore) update(bucket string, fn func(entries map[string]Metadata) bool) error {
	path, err := s.path(bucket)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(bucket)
	defer unlock()

	entries, err := s.load(path)
	if err != nil {
		return err
	}

	if !fn(entries) {
		return nil
	}
	return s.store(path, entries)
}

func (s *JSONMetadataStore) Get(ctx context.Context, bucket string, key string) (Metadata, error) {
	path, err := s.path(bucket)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(bucket)
	defer unlock()

	entries, err := s.load(path)
	if err != nil {
		return nil, err
	}
	return entries[key], nil
}

func (s *JSONMetadataStore) Set(ctx context.Context, bucket string, key string, md Metadata) error {
	return s.update(bucket, func(entries map[string]Metadata) bool {
		entries[key] = maps.Clone(md)
		return true
	})
}

func (s *JSONMetadataStore) Delete(ctx context.Context, bucket string, key string) error {
	return s.update(bucket, func(entries map[string]Metadata) bool {
		if _, ok := entries[key]; !ok {
			return false
		}
		delete(entries, key)
		return true
	})
}

func (s *JSONMetadataStore) Move(ctx context.Context, bucket string, from string, to string) error {
	return s.update(bucket, func(entries map[string]Metadata) bool {
		md, ok := entries[from]
		_, hadTarget := entries[to]
		if !ok && !hadTarget {
			return false
		}

		delete(entries, from)
		delete(entries, to)
		if ok {
			entries[to] = md
		}
		return true
	})
}

// DropBucket is a no-op: the side file is removed together with the bucket
// directory.
func (s *JSONMetadataStore) DropBucket(ctx context.Context, bucket string) error {
	return nil
}

// MemoryMetadataStore is a MetadataStore held in process memory.
type MemoryMetadataStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]Metadata
}

func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{buckets: make(map[string]map[string]Metadata)}
}

func (s *MemoryMetadataStore) Get(ctx context.Context, bucket string, key string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.buckets[bucket][key]), nil
}

func (s *MemoryMetadataStore) Set(ctx context.Context, bucket string, key string, md Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		entries = make(map[string]Metadata)
		s.buckets[bucket] = entries
	}
	entries[key] = maps.Clone(md)
	return nil
}

func (s *MemoryMetadataStore) Delete(ctx context.Context, bucket string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets[bucket], key)
	return nil
}

func (s *MemoryMetadataStore) Move(ctx context.Context, bucket string, from string, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.buckets[bucket]
	if entries == nil {
		return nil
	}

	md, ok := entries[from]
	delete(entries, from)
	delete(entries, to)
	if ok {
		entries[to] = md
	}
	return nil
}

func (s *MemoryMetadataStore) DropBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets, bucket)
	return nil
}
