package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"pseudos3/internal/storage"

	"github.com/dustin/go-humanize"
)

// maxFormFieldSize bounds each non-file field of a POST upload form.
const maxFormFieldSize = 64 << 10

// postForm holds the fields of a browser POST upload, keyed by lowercase
// field name.
type postForm map[string]string

func (f postForm) get(name string) string {
	return f[strings.ToLower(name)]
}

// metadata returns the object metadata carried by the form: its
// Content-Type and every x-amz-meta-* field.
func (f postForm) metadata() storage.Metadata {
	md := storage.Metadata{}
	for name, value := range f {
		switch {
		case name == "content-type":
			md["content-type"] = value
		case strings.HasPrefix(name, "x-amz-meta-"):
			md[name] = value
		}
	}
	return md
}

// authenticatePostForm checks the policy signature of the form. Forms
// without a policy are only accepted when the request was authenticated
// otherwise or signature verification is off.
func (s *Server) authenticatePostForm(ctx context.Context, w http.ResponseWriter, r *http.Request, form postForm) bool {
	policy := form.get("policy")
	if policy == "" {
		if UserFromContext(ctx) == nil && s.cfg.VerifySignatures {
			writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
			return false
		}
		return true
	}

	if _, err := s.presign.AuthenticatePostPolicy(ctx, form.get("AWSAccessKeyId"), policy, form.get("signature")); err != nil {
		writeAuthError(w, r, err)
		return false
	}
	return true
}

// handlePostObject implements a browser form upload to POST /bucket. The
// form fields must precede the file field, which is streamed straight into
// the object.
func (s *Server) handlePostObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeS3Error(w, "MalformedPOSTRequest", "The body of your POST request is not well-formed multipart/form-data.", r.URL.Path, http.StatusBadRequest)
		return
	}

	form := postForm{}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeS3Error(w, "MalformedPOSTRequest", "The body of your POST request is not well-formed multipart/form-data.", r.URL.Path, http.StatusBadRequest)
			return
		}

		name := strings.ToLower(part.FormName())
		if name != "file" {
			value, err := io.ReadAll(io.LimitReader(part, maxFormFieldSize))
			_ = part.Close()
			if err != nil {
				writeS3Error(w, "MalformedPOSTRequest", "The body of your POST request is not well-formed multipart/form-data.", r.URL.Path, http.StatusBadRequest)
				return
			}
			form[name] = string(value)
			continue
		}

		s.storePostObject(ctx, w, r, bucket, form, part.FileName(), part)
		_ = part.Close()
		return
	}

	writeS3Error(w, "InvalidArgument", "POST requires exactly one file upload per request.", r.URL.Path, http.StatusBadRequest, errorField("ArgumentName", "file"))
}

func (s *Server) storePostObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, form postForm, filename string, body io.Reader) {
	if !s.authenticatePostForm(ctx, w, r, form) {
		return
	}

	key := strings.ReplaceAll(form.get("key"), "${filename}", filename)
	if key == "" {
		writeS3Error(w, "InvalidArgument", "Bucket POST must contain a field named 'key'.", r.URL.Path, http.StatusBadRequest, errorField("ArgumentName", "key"))
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	info, err := s.backend.PutObject(ctx, bucket, key, body)
	if err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	if err := s.putMetadata(ctx, bucket, key, form.metadata()); err != nil {
		writeStorageError(w, r, err, bucket, key)
		return
	}

	slog.Debug("Stored form upload", "bucket", bucket, "key", key, "size", humanize.IBytes(uint64(info.Size)))

	etag := createETag(info.ETag)
	location := objectLocation(r, bucket, key)

	w.Header().Set("ETag", etag)
	w.Header().Set("Location", location)

	switch form.get("success_action_status") {
	case "200":
		w.WriteHeader(http.StatusOK)
	case "201":
		resp := PostResponse{
			Location: location,
			Bucket:   bucket,
			Key:      key,
			ETag:     etag,
		}
		if err := writeXMLStatus(w, http.StatusCreated, resp); err != nil {
			slog.Error("Encode PostResponse", "bucket", bucket, "key", key, "err", err)
		}
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
