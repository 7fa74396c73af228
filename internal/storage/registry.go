package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// BucketRegistry is the process-wide bucket name -> region index. Bucket
// names are unique across regions. The registry caches what is on disk;
// creates and deletes are serialized through it so the cache and the
// directory tree change together.
type BucketRegistry struct {
	mu      sync.RWMutex
	regions map[string]string
}

func NewBucketRegistry() *BucketRegistry {
	return &BucketRegistry{regions: make(map[string]string)}
}

// Lookup returns the region that holds bucket.
func (r *BucketRegistry) Lookup(bucket string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	region, ok := r.regions[bucket]
	return region, ok
}

// Buckets returns the names of the buckets in region, sorted.
func (r *BucketRegistry) Buckets(region string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0)
	for name, rg := range r.regions {
		if rg == region {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Create registers bucket in region after mk succeeds. mk runs with the
// registry locked, so no other create or delete can interleave.
func (r *BucketRegistry) Create(bucket string, region string, mk func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.regions[bucket]; exists {
		return ErrBucketExists
	}

	if mk != nil {
		if err := mk(); err != nil {
			return err
		}
	}

	r.regions[bucket] = region
	return nil
}

// Delete unregisters bucket after rm succeeds. rm receives the bucket's
// region and runs with the registry locked.
func (r *BucketRegistry) Delete(bucket string, rm func(region string) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	region, exists := r.regions[bucket]
	if !exists {
		return ErrBucketNotFound
	}

	if rm != nil {
		if err := rm(region); err != nil {
			return err
		}
	}

	delete(r.regions, bucket)
	return nil
}

// Rebuild replaces the index with the result of scanning root, where every
// directory root/{region}/{bucket} is a bucket. When two regions hold the
// same bucket name the first one in lexical order wins.
func (r *BucketRegistry) Rebuild(root string) error {
	regions, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			regions = nil
		} else {
			return fmt.Errorf("scan data root: %w", err)
		}
	}

	index := make(map[string]string)
	for _, regionEntry := range regions {
		if !regionEntry.IsDir() || ValidateRegion(regionEntry.Name()) != nil {
			continue
		}

		buckets, err := os.ReadDir(filepath.Join(root, regionEntry.Name()))
		if err != nil {
			return fmt.Errorf("scan region %s: %w", regionEntry.Name(), err)
		}

		for _, bucketEntry := range buckets {
			if !bucketEntry.IsDir() {
				continue
			}

			name := bucketEntry.Name()
			if existing, dup := index[name]; dup {
				slog.Warn("Bucket present in more than one region", "bucket", name, "region", existing, "ignored_region", regionEntry.Name())
				continue
			}
			index[name] = regionEntry.Name()
		}
	}

	r.mu.Lock()
	r.regions = index
	r.mu.Unlock()

	slog.Debug("Rebuilt bucket index", "root", root, "buckets", len(index))
	return nil
}
