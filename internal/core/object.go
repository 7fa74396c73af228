package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pseudos3/internal/storage"

	"github.com/dustin/go-humanize"
)

var errInvalidRange = errors.New("invalid range")

// ------ Dispatchers for object-level HTTP handlers ------

// handleObjectPost implements POST /bucket/key[?subresource] operations such
// as CreateMultipartUpload and CompleteMultipartUpload.
func (s *Server) handleObjectPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(ctx, w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	case q.Has("restore"):
		writeNotImplemented(w, r, "RestoreObject")
	case q.Has("select"):
		writeNotImplemented(w, r, "SelectObjectContent")
	default:
		writeNotImplemented(w, r, "ObjectPost")
	}
}

// handleObjectGet implements GET /bucket/key to retrieve an object.
func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleListParts(ctx, w, r, bucket, key, q.Get("uploadId"))
	case q.Has("tagging"):
		writeNotImplemented(w, r, "GetObjectTagging")
	case q.Has("acl"):
		writeNotImplemented(w, r, "GetObjectAcl")
	case q.Has("attributes"):
		writeNotImplemented(w, r, "GetObjectAttributes")
	case q.Has("retention"):
		writeNotImplemented(w, r, "GetObjectRetention")
	case q.Has("legal-hold"):
		writeNotImplemented(w, r, "GetObjectLegalHold")
	default:
		s.handleGetObject(ctx, w, r, bucket, key)
	}
}

// handleObjectHead implements HEAD /bucket/key, returning metadata headers
// without a body.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	info, ok := s.statForRead(ctx, w, r, bucket, key)
	if !ok {
		return
	}

	s.setObjectHeaders(ctx, w, bucket, info)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// handleObjectDelete implements DELETE /bucket/key to delete an object.
func (s *Server) handleObjectDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleAbortMultipartUpload(ctx, w, r, bucket, q.Get("uploadId"))
	case q.Has("tagging"):
		writeNotImplemented(w, r, "DeleteObjectTagging")
	default:
		s.handleDeleteObject(ctx, w, r, bucket, key)
	}
}

// handleObjectPut implements PUT /bucket/key to store an object, copy one
// or stage a multipart part.
func (s *Server) handleObjectPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	copySource := r.Header.Get("x-amz-copy-source")

	switch {
	case q.Has("uploadId") && q.Has("partNumber"):
		if copySource != "" {
			writeNotImplemented(w, r, "UploadPartCopy")
			return
		}
		s.handleUploadPart(ctx, w, r, bucket, q.Get("uploadId"), q.Get("partNumber"))
	case q.Has("tagging"):
		writeNotImplemented(w, r, "PutObjectTagging")
	case q.Has("acl"):
		writeNotImplemented(w, r, "PutObjectAcl")
	case q.Has("retention"):
		writeNotImplemented(w, r, "PutObjectRetention")
	case q.Has("legal-hold"):
		writeNotImplemented(w, r, "PutObjectLegalHold")
	case copySource != "":
		s.handleCopyObject(ctx, w, r, bucket, key, copySource)
	default:
		s.handlePutObject(ctx, w, r, bucket, key)
	}
}

// ------ Object handlers ------

// handlePutObject implements PutObject. Content-Type and x-amz-meta-*
// headers replace any metadata stored for the key.
func (s *Server) handlePutObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	body := payloadReader(r)
	defer body.Close()

	info, err := s.backend.PutObject(ctx, bucket, key, body)
	if err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	if err := s.putMetadata(ctx, bucket, key, metadataFromHeaders(r.Header)); err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	slog.Debug("Stored object", "bucket", bucket, "key", key, "size", humanize.IBytes(uint64(info.Size)))

	w.Header().Set("ETag", createETag(info.ETag))
	w.WriteHeader(http.StatusOK)
}

// statForRead stats an object for GET and HEAD and answers conditional
// requests. It returns false when a response has already been written.
func (s *Server) statForRead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) (storage.ObjectInfo, bool) {
	info, err := s.backend.StatObject(ctx, bucket, key)
	if err != nil {
		writeStorageError(w, r, err, bucket, key)
		return storage.ObjectInfo{}, false
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !info.LastModified.Truncate(time.Second).After(t) {
			w.Header().Set("ETag", createETag(info.ETag))
			w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusNotModified)
			return storage.ObjectInfo{}, false
		}
	}

	return info, true
}

// setObjectHeaders writes the entity headers shared by GET and HEAD.
func (s *Server) setObjectHeaders(ctx context.Context, w http.ResponseWriter, bucket string, info storage.ObjectInfo) {
	md, err := s.metadata.Get(ctx, bucket, info.Key)
	if err != nil {
		slog.Warn("Load object metadata", "bucket", bucket, "key", info.Key, "err", err)
	}

	setMetadataHeaders(w.Header(), md)
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", createETag(info.ETag))
	w.Header().Set("Accept-Ranges", "bytes")
}

// parseRange parses a Range header against an object of size bytes. A
// missing header, a unit other than bytes or a multi-range request selects
// the whole object and yields nil.
func parseRange(header string, size int64) (*storage.Range, error) {
	byteRange, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(byteRange, ",") {
		return nil, nil
	}

	first, last, ok := strings.Cut(strings.TrimSpace(byteRange), "-")
	if !ok {
		return nil, errInvalidRange
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || size == 0 {
			return nil, errInvalidRange
		}
		n = min(n, size)
		return &storage.Range{Start: size - n, End: size}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, errInvalidRange
	}

	if last == "" {
		return &storage.Range{Start: start, End: size}, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil, errInvalidRange
	}

	return &storage.Range{Start: start, End: min(end+1, size)}, nil
}

// handleGetObject implements GetObject, including single byte ranges.
func (s *Server) handleGetObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	info, ok := s.statForRead(ctx, w, r, bucket, key)
	if !ok {
		return
	}

	rng, err := parseRange(r.Header.Get("Range"), info.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		writeS3Error(w, "InvalidRange", "The requested range is not satisfiable", r.URL.Path, http.StatusRequestedRangeNotSatisfiable,
			errorField("RangeRequested", r.Header.Get("Range")),
			errorField("ActualObjectSize", strconv.FormatInt(info.Size, 10)),
		)
		return
	}

	rc, info, err := s.backend.OpenObject(ctx, bucket, key, rng)
	if err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}
	defer rc.Close()

	s.setObjectHeaders(ctx, w, bucket, info)

	status := http.StatusOK
	length := info.Size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.End - rng.Start
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End-1, info.Size))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	w.WriteHeader(status)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

// handleDeleteObject implements DeleteObject. Deleting a missing key
// succeeds.
func (s *Server) handleDeleteObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if err := s.deleteObject(ctx, bucket, key); err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseCopySource splits an x-amz-copy-source value, "/bucket/key" or
// "bucket/key" with an optional "?versionId=" suffix, into its parts.
func parseCopySource(source string) (bucket string, key string, ok bool) {
	if i := strings.IndexByte(source, '?'); i != -1 {
		source = source[:i]
	}

	unescaped, err := url.PathUnescape(strings.TrimPrefix(source, "/"))
	if err != nil {
		return "", "", false
	}

	bucket, key, ok = strings.Cut(unescaped, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// handleCopyObject implements CopyObject. With the COPY metadata directive
// the source metadata is carried over; with REPLACE the request headers
// take its place. Copying an object onto itself is only allowed with
// REPLACE, and then only rewrites the metadata.
func (s *Server) handleCopyObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, copySource string) {
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		writeS3Error(w, "InvalidRequest", "Copy Source must mention the source bucket and key: sourcebucket/sourcekey.", r.URL.Path, http.StatusBadRequest)
		return
	}
	if !validateBucketNameOrError(w, r, srcBucket) || !validateObjectKeyOrError(w, r, srcKey) {
		return
	}

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	switch directive {
	case "":
		directive = "COPY"
	case "COPY", "REPLACE":
	default:
		writeS3Error(w, "InvalidArgument", "Unknown metadata directive.", r.URL.Path, http.StatusBadRequest,
			errorField("ArgumentName", "x-amz-metadata-directive"),
			errorField("ArgumentValue", directive),
		)
		return
	}

	if _, err := s.backend.HeadBucket(ctx, bucket); err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	md := metadataFromHeaders(r.Header)
	if directive == "COPY" {
		var err error
		if md, err = s.metadata.Get(ctx, srcBucket, srcKey); err != nil {
			writeStorageError(w, r, err, srcBucket, srcKey)
			return
		}
	}

	var info storage.ObjectInfo

	if srcBucket == bucket && srcKey == key {
		if directive == "COPY" {
			writeS3Error(w, "InvalidRequest", "This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata, storage class, website redirect location or encryption attributes.", r.URL.Path, http.StatusBadRequest)
			return
		}

		var err error
		if info, err = s.backend.StatObject(ctx, bucket, key); err != nil {
			writeStorageError(w, r, err, bucket, key)
			return
		}
	} else {
		rc, _, err := s.backend.OpenObject(ctx, srcBucket, srcKey, nil)
		if err != nil {
			writeStorageError(w, r, err, srcBucket, srcKey)
			return
		}
		defer rc.Close()

		if info, err = s.backend.PutObject(ctx, bucket, key, rc); err != nil {
			writeStorageError(w, r, err, bucket, key)
			return
		}
	}

	if err := s.putMetadata(ctx, bucket, key, md); err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	slog.Debug("Copied object", "src_bucket", srcBucket, "src_key", srcKey, "bucket", bucket, "key", key, "directive", directive)

	resp := CopyObjectResult{
		XMLNS:        s3XMLNamespace,
		LastModified: s.formatTime(info.LastModified),
		ETag:         createETag(info.ETag),
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode CopyObjectResult", "bucket", bucket, "key", key, "err", err)
	}
}
