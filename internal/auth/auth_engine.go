package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrSignatureMismatch      = errors.New("signature does not match")
	ErrRequestExpired         = errors.New("request has expired")
	ErrInvalidAccessKeyID     = errors.New("access key id does not exist")
	ErrMalformedAuthorization = errors.New("malformed authorization")
)

// User identifies the caller of an authenticated request.
type User struct {
	AccessKeyID string

	// Region is the region named by the credential scope of a SigV4
	// request. It is empty for presigned requests, which carry no scope.
	Region string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for credentials
	// understood by the engine. It returns (nil, nil) when the request does
	// not carry that kind of credential, a User when the credentials are
	// valid, and an error when they are present but rejected.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

// SignatureError reports a signature mismatch together with the values a
// client needs to debug its signer.
type SignatureError struct {
	AccessKeyID       string
	StringToSign      string
	SignatureProvided string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature does not match for access key %q", e.AccessKeyID)
}

func (e *SignatureError) Unwrap() error {
	return ErrSignatureMismatch
}

// ExpiredError reports a correctly signed request whose expiry has passed.
type ExpiredError struct {
	Expires    time.Time
	ServerTime time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("request expired at %s", e.Expires.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Unwrap() error {
	return ErrRequestExpired
}

type signingPathKey struct{}

// WithSigningPath records the request path as the client sent it, before any
// virtual-host rewriting, so that SigV4 verification canonicalizes the path
// the client actually signed.
func WithSigningPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, signingPathKey{}, path)
}

func signingPath(r *http.Request) string {
	if p, ok := r.Context().Value(signingPathKey{}).(string); ok {
		return p
	}
	return r.URL.Path
}
