package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type memoryObject struct {
	data    []byte
	modTime time.Time
	etag    string
}

type memoryBucket struct {
	created time.Time
	objects map[string]memoryObject
	uploads map[string]map[int]memoryObject
}

// MemoryBackend is a Backend that keeps everything in process memory. It is
// meant for tests and throwaway servers.
type MemoryBackend struct {
	registry *BucketRegistry
	now      func() time.Time

	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

// NewMemoryBackend creates an empty MemoryBackend. A nil registry gets a
// fresh one.
func NewMemoryBackend(registry *BucketRegistry) *MemoryBackend {
	if registry == nil {
		registry = NewBucketRegistry()
	}

	return &MemoryBackend{
		registry: registry,
		now:      time.Now,
		buckets:  make(map[string]*memoryBucket),
	}
}

func (m *MemoryBackend) Registry() *BucketRegistry {
	return m.registry
}

func newMemoryObject(data []byte, now time.Time) memoryObject {
	sum := md5.Sum(data)
	return memoryObject{data: data, modTime: now.UTC(), etag: hex.EncodeToString(sum[:])}
}

// bucket returns the named bucket. The caller must hold m.mu.
func (m *MemoryBackend) bucket(name string) (*memoryBucket, error) {
	b, ok := m.buckets[name]
	if !ok {
		return nil, ErrBucketNotFound
	}
	return b, nil
}

func (m *MemoryBackend) ListBuckets(ctx context.Context, region string) ([]BucketInfo, error) {
	names := m.registry.Buckets(region)

	m.mu.RLock()
	defer m.mu.RUnlock()

	buckets := make([]BucketInfo, 0, len(names))
	for _, name := range names {
		if b, ok := m.buckets[name]; ok {
			buckets = append(buckets, BucketInfo{Name: name, Region: region, CreationDate: b.created})
		}
	}
	return buckets, nil
}

func (m *MemoryBackend) HeadBucket(ctx context.Context, bucket string) (BucketInfo, error) {
	region, ok := m.registry.Lookup(bucket)
	if !ok {
		return BucketInfo{}, ErrBucketNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return BucketInfo{}, err
	}
	return BucketInfo{Name: bucket, Region: region, CreationDate: b.created}, nil
}

func (m *MemoryBackend) CreateBucket(ctx context.Context, bucket string, region string) (BucketInfo, error) {
	if err := ValidateRegion(region); err != nil {
		return BucketInfo{}, err
	}

	created := m.now().UTC()
	err := m.registry.Create(bucket, region, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.buckets[bucket] = &memoryBucket{
			created: created,
			objects: make(map[string]memoryObject),
			uploads: make(map[string]map[int]memoryObject),
		}
		return nil
	})
	if err != nil {
		return BucketInfo{}, err
	}

	return BucketInfo{Name: bucket, Region: region, CreationDate: created}, nil
}

func (m *MemoryBackend) IsBucketEmpty(ctx context.Context, bucket string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return false, err
	}
	return len(b.objects) == 0 && len(b.uploads) == 0, nil
}

func (m *MemoryBackend) DeleteBucket(ctx context.Context, bucket string) error {
	return m.registry.Delete(bucket, func(string) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		b, ok := m.buckets[bucket]
		if !ok {
			return nil
		}
		if len(b.objects) > 0 || len(b.uploads) > 0 {
			return ErrBucketNotEmpty
		}

		delete(m.buckets, bucket)
		return nil
	})
}

func (m *MemoryBackend) StatObject(ctx context.Context, bucket string, key string) (ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return ObjectInfo{}, err
	}

	obj, ok := b.objects[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}

	return ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modTime, ETag: obj.etag}, nil
}

func (m *MemoryBackend) OpenObject(ctx context.Context, bucket string, key string, rng *Range) (io.ReadCloser, ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, ObjectInfo{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	obj, ok := b.objects[key]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}

	info := ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modTime, ETag: obj.etag}

	data := obj.data
	if rng != nil {
		start := min(max(rng.Start, 0), int64(len(data)))
		end := int64(len(data))
		if rng.End >= 0 && rng.End < end {
			end = max(rng.End, start)
		}
		data = data[start:end]
	}

	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (m *MemoryBackend) PutObject(ctx context.Context, bucket string, key string, r io.Reader) (ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read object body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return ObjectInfo{}, err
	}

	obj := newMemoryObject(data, m.now())
	b.objects[key] = obj

	return ObjectInfo{Key: key, Size: int64(len(data)), LastModified: obj.modTime, ETag: obj.etag}, nil
}

func (m *MemoryBackend) DeleteObject(ctx context.Context, bucket string, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return err
	}

	delete(b.objects, key)
	return nil
}

func (m *MemoryBackend) ListObjects(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return nil, err
	}

	objects := make([]ObjectInfo, 0, len(b.objects))
	for key, obj := range b.objects {
		objects = append(objects, ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modTime, ETag: obj.etag})
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})

	return objects, nil
}

func (m *MemoryBackend) CreateUpload(ctx context.Context, bucket string, uploadID string) error {
	if !validUploadID(uploadID) {
		return ErrUploadNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return err
	}

	if _, ok := b.uploads[uploadID]; !ok {
		b.uploads[uploadID] = make(map[int]memoryObject)
	}
	return nil
}

func (m *MemoryBackend) upload(bucket string, uploadID string) (map[int]memoryObject, error) {
	b, err := m.bucket(bucket)
	if err != nil {
		return nil, err
	}

	parts, ok := b.uploads[uploadID]
	if !ok {
		return nil, ErrUploadNotFound
	}
	return parts, nil
}

func (m *MemoryBackend) PutPart(ctx context.Context, bucket string, uploadID string, partNumber int, r io.Reader) (PartInfo, error) {
	if err := validatePartNumber(partNumber); err != nil {
		return PartInfo{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return PartInfo{}, fmt.Errorf("read part body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parts, err := m.upload(bucket, uploadID)
	if err != nil {
		return PartInfo{}, err
	}

	part := newMemoryObject(data, m.now())
	parts[partNumber] = part

	return PartInfo{PartNumber: partNumber, Size: int64(len(data)), LastModified: part.modTime, ETag: part.etag}, nil
}

func (m *MemoryBackend) ListParts(ctx context.Context, bucket string, uploadID string) ([]PartInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts, err := m.upload(bucket, uploadID)
	if err != nil {
		return nil, err
	}

	infos := make([]PartInfo, 0, len(parts))
	for n, part := range parts {
		infos = append(infos, PartInfo{PartNumber: n, Size: int64(len(part.data)), LastModified: part.modTime, ETag: part.etag})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].PartNumber < infos[j].PartNumber
	})

	return infos, nil
}

func (m *MemoryBackend) ConcatParts(ctx context.Context, bucket string, uploadID string, key string, partNumbers []int) (ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parts, err := m.upload(bucket, uploadID)
	if err != nil {
		return ObjectInfo{}, err
	}

	var buf bytes.Buffer
	for _, n := range partNumbers {
		part, ok := parts[n]
		if !ok {
			return ObjectInfo{}, fmt.Errorf("%w: part %d of upload %s", ErrPartNotFound, n, uploadID)
		}
		buf.Write(part.data)
	}

	b, _ := m.bucket(bucket)
	obj := newMemoryObject(buf.Bytes(), m.now())
	b.objects[key] = obj

	return ObjectInfo{Key: key, Size: int64(buf.Len()), LastModified: obj.modTime, ETag: obj.etag}, nil
}

func (m *MemoryBackend) RemoveUpload(ctx context.Context, bucket string, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return err
	}

	delete(b.uploads, uploadID)
	return nil
}
