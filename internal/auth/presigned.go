package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// policyTimeFormats are the layouts accepted for a POST policy expiration.
var policyTimeFormats = []string{
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.000Z",
}

// PresignedURLAuthEngine verifies legacy query-string presigned URLs
// (AWSAccessKeyId, Signature and Expires parameters) and browser POST
// policies, both signed with HMAC-SHA1.
type PresignedURLAuthEngine struct {
	Credentials CredentialStore

	// Verify enables signature comparison. Expiry is enforced either way.
	Verify bool

	// Now returns the evaluation time. It defaults to time.Now.
	Now func() time.Time
}

// NewPresignedURLAuthEngine creates an engine that verifies presigned
// requests against creds.
func NewPresignedURLAuthEngine(creds CredentialStore) *PresignedURLAuthEngine {
	return &PresignedURLAuthEngine{
		Credentials: creds,
		Verify:      true,
		Now:         time.Now,
	}
}

func (e *PresignedURLAuthEngine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// LegacyStringToSign builds the string to sign for a presigned URL.
func LegacyStringToSign(method string, expires int64, path string) string {
	return fmt.Sprintf("%s\n\n\n%d\n%s", method, expires, path)
}

// LegacySignature returns base64(HMAC-SHA1(secret, data)).
func LegacySignature(secret string, data string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// EncodeLegacySignature renders a signature the way it appears in a
// presigned URL query string, with "/" as %2F.
func EncodeLegacySignature(signature string) string {
	return url.QueryEscape(signature)
}

// PresignURL returns a copy of u that grants method access until expires.
func PresignURL(u *url.URL, method string, cred Credential, expires time.Time) *url.URL {
	exp := expires.Unix()
	sig := LegacySignature(cred.SecretAccessKey, LegacyStringToSign(method, exp, u.Path))

	signed := *u
	q := signed.Query()
	q.Set("AWSAccessKeyId", cred.AccessKeyID)
	q.Set("Expires", strconv.FormatInt(exp, 10))
	q.Set("Signature", sig)
	signed.RawQuery = q.Encode()
	return &signed
}

func (e *PresignedURLAuthEngine) verify(accessKeyID string, stringToSign string, provided string) error {
	if !e.Verify {
		return nil
	}

	secret, ok := e.Credentials.Lookup(accessKeyID)
	if !ok {
		return ErrInvalidAccessKeyID
	}

	expected := LegacySignature(secret, stringToSign)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return &SignatureError{
			AccessKeyID:       accessKeyID,
			StringToSign:      stringToSign,
			SignatureProvided: provided,
		}
	}
	return nil
}

// AuthenticateRequest verifies a presigned URL. Requests without the three
// presign query parameters are ignored. The signature is checked before the
// expiry, so an expired URL is only reported as such when it was signed
// correctly.
func (e *PresignedURLAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	q := r.URL.Query()
	if !q.Has("AWSAccessKeyId") || !q.Has("Signature") || !q.Has("Expires") {
		return nil, nil
	}

	accessKeyID := q.Get("AWSAccessKeyId")
	expires, err := strconv.ParseInt(q.Get("Expires"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid Expires %q", ErrMalformedAuthorization, q.Get("Expires"))
	}

	stringToSign := LegacyStringToSign(r.Method, expires, r.URL.Path)
	if err := e.verify(accessKeyID, stringToSign, q.Get("Signature")); err != nil {
		return nil, err
	}

	now := e.now()
	if expiry := time.Unix(expires, 0); !now.Before(expiry) {
		return nil, &ExpiredError{Expires: expiry, ServerTime: now}
	}

	return &User{AccessKeyID: accessKeyID}, nil
}

// PostPolicy is the decoded JSON document of a browser POST upload.
type PostPolicy struct {
	Expiration string `json:"expiration"`
	Conditions []any  `json:"conditions"`
}

// ParsePostPolicy decodes a base64 encoded POST policy document.
func ParsePostPolicy(encoded string) (PostPolicy, time.Time, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return PostPolicy{}, time.Time{}, fmt.Errorf("%w: policy is not base64: %v", ErrMalformedAuthorization, err)
	}

	var policy PostPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return PostPolicy{}, time.Time{}, fmt.Errorf("%w: policy is not JSON: %v", ErrMalformedAuthorization, err)
	}

	for _, layout := range policyTimeFormats {
		if expiry, err := time.Parse(layout, policy.Expiration); err == nil {
			return policy, expiry, nil
		}
	}

	return PostPolicy{}, time.Time{}, fmt.Errorf("%w: invalid policy expiration %q", ErrMalformedAuthorization, policy.Expiration)
}

// AuthenticatePostPolicy verifies the signature over a base64 POST policy
// and checks that the policy has not expired. Unlike presigned URLs the
// signature is compared in its plain base64 form.
func (e *PresignedURLAuthEngine) AuthenticatePostPolicy(ctx context.Context, accessKeyID string, policy string, signature string) (*User, error) {
	if accessKeyID == "" || policy == "" {
		return nil, fmt.Errorf("%w: missing AWSAccessKeyId or policy", ErrMalformedAuthorization)
	}

	if err := e.verify(accessKeyID, policy, signature); err != nil {
		return nil, err
	}

	_, expiry, err := ParsePostPolicy(policy)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if expiry.Before(now) {
		return nil, &ExpiredError{Expires: expiry, ServerTime: now}
	}

	return &User{AccessKeyID: accessKeyID}, nil
}
