package core

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"pseudos3/internal/auth"
	"pseudos3/internal/storage"
)

var (
	// Regex for validating S3 bucket names.
	// matches lowercase letters, digits, dots, and hyphens,
	// must start and end with a letter or digit, and must be between 3 and 63 characters long.
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
)

// Server provides an S3-compatible HTTP API over a storage.Backend.
type Server struct {
	cfg       Config
	backend   storage.Backend
	metadata  storage.MetadataStore
	multipart *storage.MultipartManager
	presign   *auth.PresignedURLAuthEngine
}

// NewServer fills in the defaults of cfg and returns a new Server. Without
// an explicit backend the server stores data on disk under cfg.DataDir, with
// object metadata in per-bucket .metadata.json files.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if err := storage.ValidateRegion(cfg.Region); err != nil {
		return nil, fmt.Errorf("default region %q: %w", cfg.Region, err)
	}

	if cfg.OwnerID == "" {
		cfg.OwnerID = DefaultOwnerID
	}
	if cfg.OwnerDisplayName == "" {
		cfg.OwnerDisplayName = DefaultOwnerDisplayName
	}
	if cfg.DateFormat == "" {
		cfg.DateFormat = DefaultDateFormat
	}
	if cfg.Credentials == nil {
		cfg.Credentials = auth.NewDefaultCredentialStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	if cfg.Backend == nil {
		if cfg.DataDir == "" {
			return nil, errors.New("DataDir must not be empty")
		}

		disk, err := storage.NewLocalFileStorage(cfg.DataDir, storage.NewBucketRegistry())
		if err != nil {
			return nil, fmt.Errorf("open data dir: %w", err)
		}
		cfg.Backend = disk
	}

	if cfg.Metadata == nil {
		if disk, ok := cfg.Backend.(*storage.LocalFileStorage); ok {
			cfg.Metadata = storage.NewJSONMetadataStore(disk.DataDir(), disk.Registry())
		} else {
			cfg.Metadata = storage.NewMemoryMetadataStore()
		}
	}

	presign := &auth.PresignedURLAuthEngine{
		Credentials: cfg.Credentials,
		Verify:      cfg.VerifySignatures,
		Now:         cfg.Clock,
	}

	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewCompoundAuthEngine(
			&auth.AwsHmacAuthEngine{Credentials: cfg.Credentials, Verify: cfg.VerifySignatures},
			presign,
		)
	}

	backend := cfg.Backend
	if cfg.Metrics != nil {
		backend = storage.NewObservedBackend(backend, cfg.Metrics.Storage())
	}

	slog.Debug("Server configured",
		"data_dir", cfg.DataDir,
		"region", cfg.Region,
		"verify_signatures", cfg.VerifySignatures,
		"buckets", len(backend.Registry().Buckets(cfg.Region)),
	)

	return &Server{
		cfg:       cfg,
		backend:   backend,
		metadata:  cfg.Metadata,
		multipart: storage.NewMultipartManager(backend, cfg.Metadata),
		presign:   presign,
	}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	if c, ok := s.metadata.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Config returns the configuration the server runs with, defaults filled in.
func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) owner() Owner {
	return Owner{ID: s.cfg.OwnerID, DisplayName: s.cfg.OwnerDisplayName}
}

// formatTime renders t in the configured XML date format.
func (s *Server) formatTime(t time.Time) string {
	return t.UTC().Format(s.cfg.DateFormat)
}

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {

	// Must consist only of lowercase letters, digits, dots, or hyphens,
	// and must start and end with a letter or digit.
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	ip := net.ParseIP(name)
	return ip == nil
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest, errorField("BucketName", bucket))
		return false
	}
	return true
}

// validateObjectKeyOrError writes an S3-style error for invalid object keys.
func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if err := storage.ValidateKey(key); err != nil {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest, errorField("Key", key))
		return false
	}
	return true
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	return writeXMLStatus(w, http.StatusOK, v)
}

func writeXMLStatus(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

// metadataFromHeaders collects the headers persisted with an object: its
// Content-Type and every x-amz-meta-* header, with lowercase names.
func metadataFromHeaders(h http.Header) storage.Metadata {
	md := storage.Metadata{}
	if ct := h.Get("Content-Type"); ct != "" {
		md["content-type"] = ct
	}
	for name, values := range h {
		lname := strings.ToLower(name)
		if strings.HasPrefix(lname, "x-amz-meta-") && len(values) > 0 {
			md[lname] = strings.Join(values, ",")
		}
	}
	return md
}

// setMetadataHeaders writes stored metadata back as response headers.
func setMetadataHeaders(h http.Header, md storage.Metadata) {
	contentType := "application/octet-stream"
	for name, value := range md {
		switch {
		case name == "content-type":
			contentType = value
		case strings.HasPrefix(name, "x-amz-meta-"):
			h.Set(name, value)
		}
	}
	h.Set("Content-Type", contentType)
}

// putMetadata replaces the metadata entry of key, removing it when md is
// empty.
func (s *Server) putMetadata(ctx context.Context, bucket string, key string, md storage.Metadata) error {
	if len(md) == 0 {
		return s.metadata.Delete(ctx, bucket, key)
	}
	return s.metadata.Set(ctx, bucket, key, md)
}
