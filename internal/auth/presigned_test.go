package auth_test

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"pseudos3/internal/auth"

	"github.com/minio/minio-go/v7/pkg/signer"
	"github.com/stretchr/testify/require"
)

func newPresignedEngine(now time.Time) *auth.PresignedURLAuthEngine {
	e := auth.NewPresignedURLAuthEngine(newCredentialStore())
	e.Now = func() time.Time { return now }
	return e
}

func presignedRequest(t *testing.T, method string, rawURL string, expires time.Time) *http.Request {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	signed := auth.PresignURL(u, method, auth.Credential{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey}, expires)
	return httptest.NewRequestWithContext(t.Context(), method, signed.String(), nil)
}

func TestPresignedURL_Valid(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	e := newPresignedEngine(now)

	req := presignedRequest(t, http.MethodGet, "http://localhost:9000/bucket/dir/key.txt", now.Add(time.Hour))

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, AccessKeyID, user.AccessKeyID)
}

func TestPresignedURL_ExpiredWithValidSignature(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	e := newPresignedEngine(now)

	req := presignedRequest(t, http.MethodGet, "http://localhost:9000/bucket/key.txt", now.Add(-time.Second))

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrRequestExpired)

	var expErr *auth.ExpiredError
	require.True(t, errors.As(err, &expErr))
	require.Equal(t, now.Add(-time.Second).Unix(), expErr.Expires.Unix())
	require.Equal(t, now, expErr.ServerTime)
}

func TestPresignedURL_ExpiresExactlyNow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	e := newPresignedEngine(now)

	req := presignedRequest(t, http.MethodGet, "http://localhost:9000/bucket/key.txt", now)

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrRequestExpired, "a URL is no longer valid at its expiry instant")
}

func TestPresignedURL_BadSignature(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	e := newPresignedEngine(now)

	tests := []struct {
		name    string
		expires time.Time
	}{
		{name: "future expiry", expires: now.Add(time.Hour)},
		{name: "past expiry", expires: now.Add(-time.Hour)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			target := fmt.Sprintf("http://localhost:9000/bucket/key.txt?AWSAccessKeyId=%s&Expires=%d&Signature=%s",
				AccessKeyID, tc.expires.Unix(), url.QueryEscape("bm90LWEtc2lnbmF0dXJl"))
			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, target, nil)

			_, err := e.AuthenticateRequest(t.Context(), req)
			require.ErrorIs(t, err, auth.ErrSignatureMismatch, "signature is checked before expiry")
			require.False(t, errors.Is(err, auth.ErrRequestExpired))
		})
	}
}

func TestPresignedURL_MethodIsSigned(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	e := newPresignedEngine(now)

	req := presignedRequest(t, http.MethodGet, "http://localhost:9000/bucket/key.txt", now.Add(time.Hour))
	req.Method = http.MethodDelete

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureMismatch)
}

func TestPresignedURL_IgnoresUnsignedRequests(t *testing.T) {
	t.Parallel()

	e := newPresignedEngine(time.Now())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://localhost:9000/bucket/key.txt?Expires=10", nil)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestPresignedURL_MalformedExpires(t *testing.T) {
	t.Parallel()

	e := newPresignedEngine(time.Now())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://localhost:9000/b/k?AWSAccessKeyId=a&Expires=soon&Signature=x", nil)

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrMalformedAuthorization)
}

func TestPresignedURL_VerificationDisabledStillExpires(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	e := newPresignedEngine(now)
	e.Verify = false

	target := fmt.Sprintf("http://localhost:9000/b/k?AWSAccessKeyId=a&Expires=%d&Signature=x", now.Add(time.Minute).Unix())
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, target, nil)
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, "a", user.AccessKeyID)

	target = fmt.Sprintf("http://localhost:9000/b/k?AWSAccessKeyId=a&Expires=%d&Signature=x", now.Add(-time.Minute).Unix())
	req = httptest.NewRequestWithContext(t.Context(), http.MethodGet, target, nil)
	_, err = e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrRequestExpired)
}

func TestPresignedURL_MinioSignerCompatibility(t *testing.T) {
	t.Parallel()

	e := auth.NewPresignedURLAuthEngine(newCredentialStore())

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://localhost:9000/bucket/photos/cat.jpg", nil)
	require.NoError(t, err)

	presigned := signer.PreSignV2(*req, AccessKeyID, SecretAccessKey, 600, false)

	q := presigned.URL.Query()
	expires, err := strconv.ParseInt(q.Get("Expires"), 10, 64)
	require.NoError(t, err)

	want := auth.LegacySignature(SecretAccessKey, auth.LegacyStringToSign(http.MethodGet, expires, "/bucket/photos/cat.jpg"))
	require.Equal(t, want, q.Get("Signature"), "signatures must agree with the minio-go V2 presigner")

	inbound := httptest.NewRequestWithContext(t.Context(), http.MethodGet, presigned.URL.String(), nil)
	user, err := e.AuthenticateRequest(t.Context(), inbound)
	require.NoError(t, err)
	require.Equal(t, AccessKeyID, user.AccessKeyID)
}

func TestEncodeLegacySignature(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ab%2Fcd%2Bef%3D", auth.EncodeLegacySignature("ab/cd+ef="))
}

func encodePolicy(expiration string) string {
	doc := fmt.Sprintf(`{"expiration":%q,"conditions":[{"bucket":"uploads"},["starts-with","$key",""]]}`, expiration)
	return base64.StdEncoding.EncodeToString([]byte(doc))
}

func TestPostPolicy(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newPresignedEngine(now)

	future := encodePolicy("2025-03-01T13:00:00Z")
	futureMillis := encodePolicy("2025-03-01T13:00:00.000Z")
	past := encodePolicy("2025-03-01T11:00:00Z")

	tests := []struct {
		name      string
		policy    string
		signature string
		wantErr   error
	}{
		{name: "valid", policy: future, signature: auth.LegacySignature(SecretAccessKey, future)},
		{name: "valid with milliseconds", policy: futureMillis, signature: auth.LegacySignature(SecretAccessKey, futureMillis)},
		{name: "expired", policy: past, signature: auth.LegacySignature(SecretAccessKey, past), wantErr: auth.ErrRequestExpired},
		{name: "bad signature", policy: future, signature: auth.LegacySignature("wrong", future), wantErr: auth.ErrSignatureMismatch},
		{name: "bad signature and expired", policy: past, signature: "AAAA", wantErr: auth.ErrSignatureMismatch},
		{name: "not base64", policy: "!!!", signature: auth.LegacySignature(SecretAccessKey, "!!!"), wantErr: auth.ErrMalformedAuthorization},
		{name: "bad expiration", policy: encodePolicy("tomorrow"), signature: auth.LegacySignature(SecretAccessKey, encodePolicy("tomorrow")), wantErr: auth.ErrMalformedAuthorization},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			user, err := e.AuthenticatePostPolicy(t.Context(), AccessKeyID, tc.policy, tc.signature)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Nil(t, user)
				return
			}
			require.NoError(t, err)
			require.Equal(t, AccessKeyID, user.AccessKeyID)
		})
	}
}

func TestParsePostPolicy(t *testing.T) {
	t.Parallel()

	policy, expiry, err := auth.ParsePostPolicy(encodePolicy("2030-01-02T03:04:05Z"))
	require.NoError(t, err)
	require.Equal(t, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC), expiry)
	require.Len(t, policy.Conditions, 2)
}
