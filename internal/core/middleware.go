package core

import (
	"context"
	"encoding/base64"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"pseudos3/internal/auth"

	"github.com/rs/xid"
)

const (
	requestIDHeader = "x-amz-request-id"
	hostIDHeader    = "x-amz-id-2"
)

type contextKey int

const (
	userKey contextKey = iota
	regionKey
	hostRegionKey
)

// UserFromContext returns the authenticated caller, or nil for anonymous
// requests.
func UserFromContext(ctx context.Context) *auth.User {
	user, _ := ctx.Value(userKey).(*auth.User)
	return user
}

// RegionFromContext returns the region resolved for the request.
func RegionFromContext(ctx context.Context) string {
	region, _ := ctx.Value(regionKey).(string)
	return region
}

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then forwards it to the wrapped writer.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

type LogEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
	RequestID  string
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"request_id", e.RequestID,
	)
}

// LogRequest is middleware that logs incoming HTTP requests.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode
		entry.RequestID = w.Header().Get(requestIDHeader)

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", entry.User(), entry.Request())
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", entry.User(), entry.Request())
		default:
			slog.Info("Request", entry.User(), entry.Request())
		}
	})
}

// RequestID tags every response with a fresh x-amz-request-id and
// x-amz-id-2 before the rest of the chain runs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New()
		host := append(id.Bytes(), xid.New().Bytes()...)

		w.Header().Set(requestIDHeader, strings.ToUpper(id.String()))
		w.Header().Set(hostIDHeader, base64.StdEncoding.EncodeToString(host))

		next.ServeHTTP(w, r)
	})
}

// parseHost extracts the bucket and region encoded in a virtual-host style
// Host header. Hosts under one of domains address "{bucket}.{domain}";
// amazonaws.com hosts may also carry a region, as in
// "{bucket}.s3.{region}.amazonaws.com" or "s3-{region}.amazonaws.com".
func parseHost(hostport string, domains []string) (bucket string, region string) {
	host := strings.ToLower(hostport)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimPrefix(domain, "."))
		if domain != "" && strings.HasSuffix(host, "."+domain) {
			return strings.TrimSuffix(host, "."+domain), ""
		}
	}

	rest, ok := strings.CutSuffix(host, ".amazonaws.com")
	if !ok {
		return "", ""
	}

	labels := strings.Split(rest, ".")
	n := len(labels)
	switch {
	case n >= 2 && labels[n-2] == "s3":
		return strings.Join(labels[:n-2], "."), labels[n-1]
	case labels[n-1] == "s3":
		return strings.Join(labels[:n-1], "."), ""
	case strings.HasPrefix(labels[n-1], "s3-"):
		return strings.Join(labels[:n-1], "."), strings.TrimPrefix(labels[n-1], "s3-")
	}
	return "", ""
}

// VirtualHost rewrites virtual-host style requests to path style, so that
// "{bucket}.{domain}/{key}" is routed as "/{bucket}/{key}". The path the
// client sent is kept for SigV4 verification, and a region named by the
// host is recorded for region resolution.
func VirtualHost(domains []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithSigningPath(r.Context(), r.URL.Path)

			bucket, region := parseHost(r.Host, domains)
			if region != "" {
				ctx = context.WithValue(ctx, hostRegionKey, region)
			}

			if bucket != "" {
				r.URL.Path = "/" + bucket + r.URL.Path
				if r.URL.RawPath != "" {
					r.URL.RawPath = "/" + bucket + r.URL.RawPath
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// isFormUpload reports whether r is a browser POST upload to a bucket. Such
// requests carry their credentials in the form and are authenticated by the
// handler.
func isFormUpload(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return false
	}

	return !strings.Contains(strings.Trim(r.URL.Path, "/"), "/")
}

// Authenticate is middleware that verifies request credentials and resolves
// the request region. The region is taken, in order, from the SigV4
// credential scope, the Host header and the server default.
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		user, err := s.cfg.Authenticator.AuthenticateRequest(ctx, r)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}

		if user == nil && s.cfg.VerifySignatures && !isFormUpload(r) {
			writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
			return
		}

		region := s.cfg.Region
		if hostRegion, ok := ctx.Value(hostRegionKey).(string); ok {
			region = hostRegion
		}
		if user != nil && user.Region != "" {
			region = user.Region
		}

		ctx = context.WithValue(ctx, userKey, user)
		ctx = context.WithValue(ctx, regionKey, region)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SlashFix collapses duplicate slashes and strips the trailing slash of a
// bucket-only path such as "/bucket/".
func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replace all occurrences of "//" with "/" in the URL path
		for strings.Contains(r.URL.Path, "//") {
			r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")
		}

		trimmed := strings.TrimSuffix(r.URL.Path, "/")
		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") && strings.Count(trimmed, "/") == 1 {
			r.URL.Path = trimmed
		}
		r.URL.RawPath = ""

		next.ServeHTTP(w, r)
	})
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr, "path", r.URL.Path)

				if r.Header.Get("Connection") != "Upgrade" {
					writeInternalError(w, r)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
