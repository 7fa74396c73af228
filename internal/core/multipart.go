package core

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"pseudos3/internal/storage"

	"github.com/dustin/go-humanize"
)

// maxListParts is the MaxParts reported by ListParts. All parts are returned
// in one page.
const maxListParts = 1000

// handleCreateMultipartUpload implements POST /bucket/key?uploads. The
// request metadata is held under the upload id until completion.
func (s *Server) handleCreateMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	uploadID, err := s.multipart.Initiate(ctx, bucket, key, metadataFromHeaders(r.Header))
	if err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	resp := InitiateMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadId: uploadID,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode InitiateMultipartUploadResult", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements PUT /bucket/key?uploadId=&partNumber=.
func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, uploadID string, partNumber string) {
	n, err := strconv.Atoi(partNumber)
	if err != nil {
		writeStorageError(w, r, storage.ErrInvalidPart, bucket, "")
		return
	}

	body := payloadReader(r)
	defer body.Close()

	part, err := s.multipart.StagePart(ctx, bucket, uploadID, n, body)
	if err != nil {
		writeStorageError(w, r, err, bucket, "")
		return
	}

	slog.Debug("Staged part", "bucket", bucket, "upload_id", uploadID, "part", n, "size", humanize.IBytes(uint64(part.Size)))

	w.Header().Set("ETag", createETag(part.ETag))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload implements POST /bucket/key?uploadId=. Parts
// are concatenated in the order the manifest lists them.
func (s *Server) handleCompleteMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	var req CompleteMultipartUpload
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxXMLBodySize)).Decode(&req); err != nil {
		writeMalformedXMLError(w, r)
		return
	}

	parts := make([]int, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, p.PartNumber)
	}

	info, err := s.multipart.Complete(ctx, bucket, key, uploadID, parts)
	if err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	slog.Info("Completed multipart upload", "bucket", bucket, "key", key, "parts", len(parts), "size", humanize.IBytes(uint64(info.Size)))

	resp := CompleteMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Location: objectLocation(r, bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     createETag(info.ETag),
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode CompleteMultipartUploadResult", "bucket", bucket, "key", key, "err", err)
	}
}

// handleListParts implements GET /bucket/key?uploadId=.
func (s *Server) handleListParts(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	parts, err := s.multipart.ListParts(ctx, bucket, uploadID)
	if err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	resp := ListPartsResult{
		XMLNS:        s3XMLNamespace,
		Bucket:       bucket,
		Key:          key,
		UploadId:     uploadID,
		Initiator:    s.owner(),
		Owner:        s.owner(),
		StorageClass: "STANDARD",
		MaxParts:     maxListParts,
		Parts:        make([]Part, 0, len(parts)),
	}

	for _, p := range parts {
		resp.Parts = append(resp.Parts, Part{
			PartNumber:   p.PartNumber,
			LastModified: s.formatTime(p.LastModified),
			ETag:         createETag(p.ETag),
			Size:         p.Size,
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListPartsResult", "bucket", bucket, "key", key, "err", err)
	}
}

// handleAbortMultipartUpload implements DELETE /bucket/key?uploadId=.
// Aborting an unknown upload succeeds.
func (s *Server) handleAbortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, uploadID string) {
	if err := s.multipart.Abort(ctx, bucket, uploadID); err != nil {
		writeStorageError(w, r, err, bucket, "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
