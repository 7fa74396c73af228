package core

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"pseudos3/internal/auth"
	"pseudos3/internal/listing"
	"pseudos3/internal/storage"
)

// maxXMLBodySize bounds the request bodies decoded as XML documents.
const maxXMLBodySize = 1 << 20

// ------ Dispatchers for bucket-level HTTP handlers ------

// handleBucketPut implements PUT /bucket[?subresource].
func (s *Server) handleBucketPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		writeNotImplemented(w, r, "PutBucketTagging")
	case q.Has("versioning"):
		writeNotImplemented(w, r, "PutBucketVersioning")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "PutBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "PutBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "PutBucketLifecycleConfiguration")
	case q.Has("notification"):
		writeNotImplemented(w, r, "PutBucketNotificationConfiguration")
	case q.Has("policy"):
		writeNotImplemented(w, r, "PutBucketPolicy")
	case q.Has("replication"):
		writeNotImplemented(w, r, "PutBucketReplication")
	case q.Has("acl"):
		writeNotImplemented(w, r, "PutBucketAcl")
	default:
		s.handleCreateBucket(ctx, w, r, bucket)
	}
}

// handleBucketPost implements POST /bucket[?subresource]: DeleteObjects and
// browser form uploads.
func (s *Server) handleBucketPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("delete"):
		s.handleDeleteObjects(ctx, w, r, bucket)
	case isFormUpload(r):
		s.handlePostObject(ctx, w, r, bucket)
	default:
		writeNotImplemented(w, r, "BucketPost")
	}
}

// handleBucketGet dispatches GET /bucket[?subresource] between the listing
// APIs and bucket-level read APIs.
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(ctx, w, r, bucket)
	case q.Has("tagging"):
		writeNotImplemented(w, r, "GetBucketTagging")
	case q.Has("versioning"):
		writeNotImplemented(w, r, "GetBucketVersioning")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "GetBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "GetBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "GetBucketLifecycleConfiguration")
	case q.Has("notification"):
		writeNotImplemented(w, r, "GetBucketNotificationConfiguration")
	case q.Has("policy"):
		writeNotImplemented(w, r, "GetBucketPolicy")
	case q.Has("replication"):
		writeNotImplemented(w, r, "GetBucketReplication")
	case q.Has("acl"):
		writeNotImplemented(w, r, "GetBucketAcl")
	case q.Has("uploads"):
		writeNotImplemented(w, r, "ListMultipartUploads")
	case q.Has("versions"):
		s.handleListObjectVersions(ctx, w, r, bucket)
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(ctx, w, r, bucket)
	default:
		s.handleListObjects(ctx, w, r, bucket)
	}
}

// handleBucketDelete implements DELETE /bucket[?subresource].
func (s *Server) handleBucketDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		writeNotImplemented(w, r, "DeleteBucketTagging")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "DeleteBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "DeleteBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "DeleteBucketLifecycle")
	case q.Has("policy"):
		writeNotImplemented(w, r, "DeleteBucketPolicy")
	case q.Has("replication"):
		writeNotImplemented(w, r, "DeleteBucketReplication")
	default:
		s.handleDeleteBucket(ctx, w, r, bucket)
	}
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	info, err := s.backend.HeadBucket(ctx, bucket)
	if err != nil {
		writeStorageError(w, r, err, bucket, "")
		return
	}

	w.Header().Set("x-amz-bucket-region", info.Region)
	w.WriteHeader(http.StatusOK)
}

// ------ Bucket handlers ------

// handleListBuckets implements GET / for the buckets of the request region.
func (s *Server) handleListBuckets(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	region := RegionFromContext(ctx)
	if region == "" {
		region = s.cfg.Region
	}

	buckets, err := s.backend.ListBuckets(ctx, region)
	if err != nil {
		writeStorageError(w, r, err, "", "")
		return
	}

	resp := ListAllMyBucketsResult{
		XMLNS:   s3XMLNamespace,
		Owner:   s.owner(),
		Buckets: make([]ListAllMyBucketsEntry, 0, len(buckets)),
	}

	for _, b := range buckets {
		resp.Buckets = append(resp.Buckets, ListAllMyBucketsEntry{
			Name:         b.Name,
			CreationDate: s.formatTime(b.CreationDate),
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListAllMyBucketsResult", "err", err)
	}
}

// handleCreateBucket implements PUT /bucket. The region comes from an
// optional CreateBucketConfiguration body, falling back to the request
// region.
func (s *Server) handleCreateBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	region := RegionFromContext(ctx)
	if region == "" {
		region = s.cfg.Region
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxXMLBodySize))
	if err != nil {
		writeS3Error(w, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if len(body) > 0 {
		var conf CreateBucketConfiguration
		if err := xml.Unmarshal(body, &conf); err != nil {
			writeMalformedXMLError(w, r)
			return
		}
		if conf.LocationConstraint != "" {
			region = conf.LocationConstraint
		}
	}

	if _, err := s.backend.CreateBucket(ctx, bucket, region); err != nil {
		writeStorageError(w, r, err, bucket, "")
		return
	}

	slog.Info("Created bucket", "bucket", bucket, "region", region)

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteBucket implements DELETE /bucket. Only empty buckets can be
// deleted.
func (s *Server) handleDeleteBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if err := s.backend.DeleteBucket(ctx, bucket); err != nil {
		writeStorageError(w, r, err, bucket, "")
		return
	}

	if err := s.metadata.DropBucket(ctx, bucket); err != nil {
		slog.Warn("Drop bucket metadata", "bucket", bucket, "err", err)
	}

	slog.Info("Deleted bucket", "bucket", bucket)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetBucketLocation implements GET /bucket?location.
func (s *Server) handleGetBucketLocation(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	info, err := s.backend.HeadBucket(ctx, bucket)
	if err != nil {
		writeStorageError(w, r, err, bucket, "")
		return
	}

	resp := LocationConstraint{
		XMLNS:  s3XMLNamespace,
		Region: info.Region,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

// ------ Listing ------

// parseMaxKeys reads the max-keys query parameter. A missing value selects
// the default page size.
func parseMaxKeys(w http.ResponseWriter, r *http.Request, value string) (int, bool) {
	if value == "" {
		return listing.DefaultMaxKeys, true
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		writeS3Error(w, "InvalidArgument", "Provided max-keys not an integer or within integer range", r.URL.Path, http.StatusBadRequest, errorField("ArgumentName", "max-keys"), errorField("ArgumentValue", value))
		return 0, false
	}

	return min(n, listing.DefaultMaxKeys), true
}

// keyEncoder returns the function applied to keys and prefixes in listing
// responses. Only encoding-type=url changes them.
func keyEncoder(encodingType string) func(string) string {
	if encodingType == "url" {
		return func(s string) string { return auth.URIEncode(s, false) }
	}
	return func(s string) string { return s }
}

// listBucket loads the enumeration of bucket and applies p to it.
func (s *Server) listBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, p listing.Params) (listing.Page, bool) {
	objects, err := s.backend.ListObjects(ctx, bucket)
	if err != nil {
		writeStorageError(w, r, err, bucket, "")
		return listing.Page{}, false
	}

	return listing.List(objects, p), true
}

func commonPrefixes(prefixes []string, encode func(string) string) []CommonPrefix {
	out := make([]CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, CommonPrefix{Prefix: encode(p)})
	}
	return out
}

func (s *Server) objectSummary(obj storage.ObjectInfo, encode func(string) string) ObjectSummary {
	return ObjectSummary{
		Key:          encode(obj.Key),
		LastModified: s.formatTime(obj.LastModified),
		ETag:         createETag(obj.ETag),
		Size:         obj.Size,
		StorageClass: "STANDARD",
	}
}

// handleListObjects implements ListObjects (V1) for GET /bucket.
func (s *Server) handleListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()

	maxKeys, ok := parseMaxKeys(w, r, q.Get("max-keys"))
	if !ok {
		return
	}

	params := listing.Params{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Marker:    q.Get("marker"),
		MaxKeys:   maxKeys,
	}

	page, ok := s.listBucket(ctx, w, r, bucket, params)
	if !ok {
		return
	}

	encode := keyEncoder(q.Get("encoding-type"))
	owner := s.owner()

	resp := ListBucketResult{
		XMLNS:          s3XMLNamespace,
		Name:           bucket,
		Prefix:         encode(params.Prefix),
		Marker:         encode(params.Marker),
		NextMarker:     encode(page.NextMarker),
		Delimiter:      encode(params.Delimiter),
		MaxKeys:        maxKeys,
		EncodingType:   q.Get("encoding-type"),
		IsTruncated:    page.IsTruncated,
		Contents:       make([]ObjectSummary, 0, len(page.Contents)),
		CommonPrefixes: commonPrefixes(page.CommonPrefixes, encode),
	}

	for _, obj := range page.Contents {
		summary := s.objectSummary(obj, encode)
		summary.Owner = &owner
		resp.Contents = append(resp.Contents, summary)
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListBucketResult", "bucket", bucket, "err", err)
	}
}

// handleListObjectsV2 implements ListObjectsV2 for GET /bucket?list-type=2.
// The continuation token is the last key of the previous page.
func (s *Server) handleListObjectsV2(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()

	maxKeys, ok := parseMaxKeys(w, r, q.Get("max-keys"))
	if !ok {
		return
	}

	params := listing.Params{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		Marker:     q.Get("continuation-token"),
		StartAfter: q.Get("start-after"),
		MaxKeys:    maxKeys,
	}

	page, ok := s.listBucket(ctx, w, r, bucket, params)
	if !ok {
		return
	}

	encode := keyEncoder(q.Get("encoding-type"))

	resp := ListBucketResultV2{
		XMLNS:                 s3XMLNamespace,
		Name:                  bucket,
		Prefix:                encode(params.Prefix),
		Delimiter:             encode(params.Delimiter),
		KeyCount:              len(page.Contents) + len(page.CommonPrefixes),
		MaxKeys:               maxKeys,
		EncodingType:          q.Get("encoding-type"),
		IsTruncated:           page.IsTruncated,
		ContinuationToken:     params.Marker,
		NextContinuationToken: page.NextMarker,
		StartAfter:            encode(params.StartAfter),
		Contents:              make([]ObjectSummary, 0, len(page.Contents)),
		CommonPrefixes:        commonPrefixes(page.CommonPrefixes, encode),
	}

	for _, obj := range page.Contents {
		resp.Contents = append(resp.Contents, s.objectSummary(obj, encode))
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListBucketResultV2", "bucket", bucket, "err", err)
	}
}

// handleListObjectVersions implements GET /bucket?versions. Objects are not
// versioned, so every object is reported once as its "null" version.
func (s *Server) handleListObjectVersions(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()

	maxKeys, ok := parseMaxKeys(w, r, q.Get("max-keys"))
	if !ok {
		return
	}

	params := listing.Params{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Marker:    q.Get("key-marker"),
		MaxKeys:   maxKeys,
	}

	page, ok := s.listBucket(ctx, w, r, bucket, params)
	if !ok {
		return
	}

	encode := keyEncoder(q.Get("encoding-type"))

	resp := ListVersionsResult{
		XMLNS:           s3XMLNamespace,
		Name:            bucket,
		Prefix:          encode(params.Prefix),
		KeyMarker:       encode(params.Marker),
		VersionIdMarker: q.Get("version-id-marker"),
		Delimiter:       encode(params.Delimiter),
		MaxKeys:         maxKeys,
		EncodingType:    q.Get("encoding-type"),
		IsTruncated:     page.IsTruncated,
		Versions:        make([]ObjectVersion, 0, len(page.Contents)),
		CommonPrefixes:  commonPrefixes(page.CommonPrefixes, encode),
	}

	if page.IsTruncated {
		resp.NextKeyMarker = encode(page.NextMarker)
		resp.NextVersionIdMarker = "null"
	}

	for _, obj := range page.Contents {
		resp.Versions = append(resp.Versions, ObjectVersion{
			Key:          encode(obj.Key),
			VersionId:    "null",
			IsLatest:     true,
			LastModified: s.formatTime(obj.LastModified),
			ETag:         createETag(obj.ETag),
			Size:         obj.Size,
			StorageClass: "STANDARD",
			Owner:        s.owner(),
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListVersionsResult", "bucket", bucket, "err", err)
	}
}

// ------ Batch delete ------

// handleDeleteObjects implements POST /bucket?delete. Every key is deleted
// independently; failures are reported per key.
func (s *Server) handleDeleteObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.backend.HeadBucket(ctx, bucket); err != nil {
		writeStorageError(w, r, err, bucket, "")
		return
	}

	var req Delete
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxXMLBodySize)).Decode(&req); err != nil {
		writeMalformedXMLError(w, r)
		return
	}

	resp := DeleteResult{XMLNS: s3XMLNamespace}

	for _, obj := range req.Objects {
		if err := s.deleteObject(ctx, bucket, obj.Key); err != nil {
			code, message, _, ok := storageErrorCode(err)
			if !ok {
				slog.Error("Delete object", "bucket", bucket, "key", obj.Key, "err", err)
				code, message = "InternalError", "We encountered an internal error. Please try again."
			}
			resp.Errors = append(resp.Errors, DeleteError{Key: obj.Key, Code: code, Message: message})
			continue
		}

		if !req.Quiet {
			resp.Deleted = append(resp.Deleted, DeletedObject{Key: obj.Key})
		}
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode DeleteResult", "bucket", bucket, "err", err)
	}
}

// deleteObject removes key and its metadata. Deleting a missing object
// succeeds.
func (s *Server) deleteObject(ctx context.Context, bucket string, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	if err := s.backend.DeleteObject(ctx, bucket, key); err != nil {
		return err
	}

	if err := s.metadata.Delete(ctx, bucket, key); err != nil && !errors.Is(err, storage.ErrBucketNotFound) {
		return err
	}
	return nil
}

// objectLocation is the Location reported for a newly written object.
func objectLocation(r *http.Request, bucket string, key string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	u := url.URL{Scheme: scheme, Host: r.Host, Path: "/" + bucket + "/" + key}
	return u.String()
}
