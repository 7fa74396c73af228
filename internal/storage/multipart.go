package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// MultipartManager stages multipart upload parts in the backend's temp area
// and merges them into the final object on completion. Pending upload
// metadata lives in the MetadataStore under the upload id until it is moved
// to the final key.
type MultipartManager struct {
	backend  Backend
	metadata MetadataStore
	locks    *Locker
}

func NewMultipartManager(backend Backend, metadata MetadataStore) *MultipartManager {
	return &MultipartManager{
		backend:  backend,
		metadata: metadata,
		locks:    NewLocker(),
	}
}

func parseUploadID(uploadID string) error {
	if err := uuid.Validate(uploadID); err != nil {
		return fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	return nil
}

// Initiate starts an upload for key and returns its id. md is kept under the
// upload id until completion.
func (m *MultipartManager) Initiate(ctx context.Context, bucket string, key string, md Metadata) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	if _, err := m.backend.HeadBucket(ctx, bucket); err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	if err := m.backend.CreateUpload(ctx, bucket, uploadID); err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	if md == nil {
		md = Metadata{}
	}

	if err := m.metadata.Set(ctx, bucket, uploadID, md); err != nil {
		_ = m.backend.RemoveUpload(ctx, bucket, uploadID)
		return "", fmt.Errorf("store upload metadata: %w", err)
	}

	slog.Debug("Initiated multipart upload", "bucket", bucket, "key", key, "upload_id", uploadID)
	return uploadID, nil
}

// StagePart stores one part. Sending the same part number again replaces
// the earlier part.
func (m *MultipartManager) StagePart(ctx context.Context, bucket string, uploadID string, partNumber int, r io.Reader) (PartInfo, error) {
	if err := parseUploadID(uploadID); err != nil {
		return PartInfo{}, err
	}

	return m.backend.PutPart(ctx, bucket, uploadID, partNumber, r)
}

// ListParts returns the staged parts of an upload ordered by part number.
func (m *MultipartManager) ListParts(ctx context.Context, bucket string, uploadID string) ([]PartInfo, error) {
	if err := parseUploadID(uploadID); err != nil {
		return nil, err
	}

	return m.backend.ListParts(ctx, bucket, uploadID)
}

// Complete merges the listed parts, in the listed order, into key. The
// manifest order is authoritative even when it is not numeric. A missing
// part fails with ErrPartNotFound and leaves the upload in place.
func (m *MultipartManager) Complete(ctx context.Context, bucket string, key string, uploadID string, parts []int) (ObjectInfo, error) {
	if err := parseUploadID(uploadID); err != nil {
		return ObjectInfo{}, err
	}

	if len(parts) == 0 {
		return ObjectInfo{}, fmt.Errorf("%w: no parts listed", ErrInvalidPart)
	}

	for _, n := range parts {
		if err := validatePartNumber(n); err != nil {
			return ObjectInfo{}, err
		}
	}

	unlock := m.locks.Lock(bucket + "/" + uploadID)
	defer unlock()

	info, err := m.backend.ConcatParts(ctx, bucket, uploadID, key, parts)
	if err != nil {
		return ObjectInfo{}, err
	}

	if err := m.backend.RemoveUpload(ctx, bucket, uploadID); err != nil {
		slog.Warn("Remove multipart staging area", "bucket", bucket, "upload_id", uploadID, "err", err)
	}

	if err := m.metadata.Move(ctx, bucket, uploadID, key); err != nil {
		return ObjectInfo{}, fmt.Errorf("move upload metadata: %w", err)
	}

	return info, nil
}

// Abort discards an upload. Aborting an unknown upload succeeds.
func (m *MultipartManager) Abort(ctx context.Context, bucket string, uploadID string) error {
	if _, err := m.backend.HeadBucket(ctx, bucket); err != nil {
		return err
	}

	if parseUploadID(uploadID) != nil {
		return nil
	}

	unlock := m.locks.Lock(bucket + "/" + uploadID)
	defer unlock()

	if err := m.backend.RemoveUpload(ctx, bucket, uploadID); err != nil {
		return fmt.Errorf("remove upload: %w", err)
	}

	return m.metadata.Delete(ctx, bucket, uploadID)
}
