package storage

import (
	"context"
	"io"
	"time"
)

// Observer receives one call per storage operation.
type Observer interface {
	Observe(op string, bytes int64, err error, dur time.Duration)
}

// ObservedBackend reports every Backend call to an Observer.
type ObservedBackend struct {
	Backend
	obs Observer
}

// NewObservedBackend wraps b. A nil observer returns b unchanged.
func NewObservedBackend(b Backend, obs Observer) Backend {
	if obs == nil {
		return b
	}
	return &ObservedBackend{Backend: b, obs: obs}
}

func (o *ObservedBackend) observe(op string, start time.Time, bytes int64, err error) {
	o.obs.Observe(op, bytes, err, time.Since(start))
}

func (o *ObservedBackend) CreateBucket(ctx context.Context, bucket string, region string) (BucketInfo, error) {
	start := time.Now()
	info, err := o.Backend.CreateBucket(ctx, bucket, region)
	o.observe("create_bucket", start, 0, err)
	return info, err
}

func (o *ObservedBackend) DeleteBucket(ctx context.Context, bucket string) error {
	start := time.Now()
	err := o.Backend.DeleteBucket(ctx, bucket)
	o.observe("delete_bucket", start, 0, err)
	return err
}

func (o *ObservedBackend) StatObject(ctx context.Context, bucket string, key string) (ObjectInfo, error) {
	start := time.Now()
	info, err := o.Backend.StatObject(ctx, bucket, key)
	o.observe("head", start, 0, err)
	return info, err
}

// countingReader reports the bytes actually read once it is closed.
type countingReader struct {
	io.ReadCloser
	n      int64
	closed func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Close() error {
	err := c.ReadCloser.Close()
	c.closed(c.n)
	return err
}

func (o *ObservedBackend) OpenObject(ctx context.Context, bucket string, key string, rng *Range) (io.ReadCloser, ObjectInfo, error) {
	start := time.Now()
	rc, info, err := o.Backend.OpenObject(ctx, bucket, key, rng)
	if err != nil {
		o.observe("get", start, 0, err)
		return nil, info, err
	}

	return &countingReader{
		ReadCloser: rc,
		closed: func(n int64) {
			o.observe("get", start, n, nil)
		},
	}, info, nil
}

func (o *ObservedBackend) PutObject(ctx context.Context, bucket string, key string, r io.Reader) (ObjectInfo, error) {
	start := time.Now()
	info, err := o.Backend.PutObject(ctx, bucket, key, r)
	o.observe("put", start, info.Size, err)
	return info, err
}

func (o *ObservedBackend) DeleteObject(ctx context.Context, bucket string, key string) error {
	start := time.Now()
	err := o.Backend.DeleteObject(ctx, bucket, key)
	o.observe("delete", start, 0, err)
	return err
}

func (o *ObservedBackend) ListObjects(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	start := time.Now()
	objects, err := o.Backend.ListObjects(ctx, bucket)
	o.observe("list", start, 0, err)
	return objects, err
}

func (o *ObservedBackend) PutPart(ctx context.Context, bucket string, uploadID string, partNumber int, r io.Reader) (PartInfo, error) {
	start := time.Now()
	info, err := o.Backend.PutPart(ctx, bucket, uploadID, partNumber, r)
	o.observe("put_part", start, info.Size, err)
	return info, err
}

func (o *ObservedBackend) ConcatParts(ctx context.Context, bucket string, uploadID string, key string, parts []int) (ObjectInfo, error) {
	start := time.Now()
	info, err := o.Backend.ConcatParts(ctx, bucket, uploadID, key, parts)
	o.observe("complete_multipart", start, info.Size, err)
	return info, err
}
