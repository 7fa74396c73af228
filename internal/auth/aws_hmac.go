package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	AWSv4Prefix     = "AWS4-HMAC-SHA256 "
	AWSv4Algorithm  = "AWS4-HMAC-SHA256"
	AmzDateFormat   = "20060102T150405Z"
	ScopeDateFormat = "20060102"
	UnsignedPayload = "UNSIGNED-PAYLOAD"
)

// unsignedHeaders are never part of the canonical header block, either
// because clients do not sign them or because proxies rewrite them.
var unsignedHeaders = map[string]struct{}{
	"accept-encoding":       {},
	"amz-sdk-invocation-id": {},
	"amz-sdk-request":       {},
	"authorization":         {},
	"content-length":        {},
	"expect":                {},
	"user-agent":            {},
	"x-amzn-trace-id":       {},
	"x-forwarded-for":       {},
	"x-real-ip":             {},
}

type AwsHmacAuthEngine struct {
	Credentials CredentialStore

	// Verify enables signature comparison. When false every well-formed
	// SigV4 request is accepted and only its credential scope is used.
	Verify bool
}

// NewAwsHmacAuthEngine creates a new AwsHmacAuthEngine that verifies
// signatures against creds.
func NewAwsHmacAuthEngine(creds CredentialStore) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{
		Credentials: creds,
		Verify:      true,
	}
}

// URIEncode percent-encodes every byte outside the unreserved set
// "A-Za-z0-9-_.~". Slashes are kept when encodeSlash is false.
func URIEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}

	type pair struct{ k, v string }

	var pairs []pair
	for k, vs := range u.Query() {
		ek := URIEncode(k, true)
		for _, v := range vs {
			pairs = append(pairs, pair{k: ek, v: URIEncode(v, true)})
		}
	}

	// Ordering is over the encoded bytes, key first and then value.
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.k+"="+p.v)
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// canonicalHeaders returns the canonical header block and the matching
// signed header list for every header on r that is not in unsignedHeaders.
func canonicalHeaders(r *http.Request) (string, string) {
	values := make(map[string][]string, len(r.Header)+1)
	for name, vs := range r.Header {
		lname := strings.ToLower(name)
		if _, skip := unsignedHeaders[lname]; skip {
			continue
		}
		for _, v := range vs {
			values[lname] = append(values[lname], canonicalHeaderValue(v))
		}
	}

	// net/http lifts Host out of the header map.
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host != "" {
		values["host"] = []string{host}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var hdrBuilder strings.Builder
	for _, name := range names {
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(strings.Join(values[name], ","))
		hdrBuilder.WriteString("\n")
	}

	return hdrBuilder.String(), strings.Join(names, ";")
}

// BuildCanonicalRequest builds the SigV4 canonical request for r.
func BuildCanonicalRequest(r *http.Request) string {
	canonicalURI := URIEncode(signingPath(r), false)
	canonicalQS := canonicalQueryString(r.URL)
	canonicalHdrs, signedHeaders := canonicalHeaders(r)

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(canonicalURI)
	b.WriteString("\n")
	b.WriteString(canonicalQS)
	b.WriteString("\n")
	b.WriteString(canonicalHdrs)
	b.WriteString("\n")
	b.WriteString(signedHeaders)
	b.WriteString("\n")
	b.WriteString(r.Header.Get("X-Amz-Content-Sha256"))

	return b.String()
}

// StringToSign builds the SigV4 string to sign for a canonical request.
func StringToSign(amzDate string, credentialScope string, canonicalRequest string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest))

	var stsBuilder strings.Builder
	stsBuilder.WriteString(AWSv4Algorithm)
	stsBuilder.WriteString("\n")
	stsBuilder.WriteString(amzDate)
	stsBuilder.WriteString("\n")
	stsBuilder.WriteString(credentialScope)
	stsBuilder.WriteString("\n")
	stsBuilder.WriteString(hex.EncodeToString(crHash[:]))
	return stsBuilder.String()
}

// SigningKey derives the SigV4 signing key for a date/region/service scope.
func SigningKey(secret string, dateStamp string, region string, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, "aws4_request")
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SignRequestV4 signs r in place with the given credential. A missing
// X-Amz-Content-Sha256 header is set to UNSIGNED-PAYLOAD.
func SignRequestV4(r *http.Request, cred Credential, region string, now time.Time) {
	const service = "s3"

	now = now.UTC()
	amzDate := now.Format(AmzDateFormat)
	dateStamp := now.Format(ScopeDateFormat)

	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", UnsignedPayload)
	}
	r.Header.Set("X-Amz-Date", amzDate)
	r.Header.Del("Authorization")

	_, signedHeaders := canonicalHeaders(r)
	scope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	sts := StringToSign(amzDate, scope, BuildCanonicalRequest(r))
	sig := hex.EncodeToString(HmacSHA256(SigningKey(cred.SecretAccessKey, dateStamp, region, service), sts))

	r.Header.Set("Authorization", fmt.Sprintf("%sCredential=%s/%s, SignedHeaders=%s, Signature=%s",
		AWSv4Prefix, cred.AccessKeyID, scope, signedHeaders, sig))
}

type credentialScope struct {
	accessKeyID string
	date        string
	region      string
	service     string
}

func (c credentialScope) String() string {
	return strings.Join([]string{c.date, c.region, c.service, "aws4_request"}, "/")
}

// parseAuthorization splits a SigV4 Authorization header into its
// credential scope and signature.
func parseAuthorization(header string) (credentialScope, string, error) {
	params := strings.TrimSpace(strings.TrimPrefix(header, AWSv4Prefix))
	kv := make(map[string]string, 3)
	for _, p := range strings.Split(params, ",") {
		p = strings.TrimSpace(p)
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		kv[p[:idx]] = strings.TrimSpace(p[idx+1:])
	}

	credStr, okCred := kv["Credential"]
	signature, okSig := kv["Signature"]
	if !okCred || !okSig {
		return credentialScope{}, "", fmt.Errorf("%w: missing Credential or Signature", ErrMalformedAuthorization)
	}

	credParts := strings.Split(credStr, "/")
	if len(credParts) != 5 || credParts[4] != "aws4_request" {
		return credentialScope{}, "", fmt.Errorf("%w: credential %q", ErrMalformedAuthorization, credStr)
	}

	scope := credentialScope{
		accessKeyID: credParts[0],
		date:        credParts[1],
		region:      credParts[2],
		service:     credParts[3],
	}
	if scope.accessKeyID == "" || scope.region == "" || scope.service == "" {
		return credentialScope{}, "", fmt.Errorf("%w: incomplete credential scope", ErrMalformedAuthorization)
	}

	return scope, signature, nil
}

// AuthenticateRequest verifies a SigV4 Authorization header. Requests
// without one are ignored.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, AWSv4Prefix) {
		return nil, nil
	}

	scope, signature, err := parseAuthorization(header)
	if err != nil {
		return nil, err
	}

	user := &User{
		AccessKeyID: scope.accessKeyID,
		Region:      scope.region,
	}

	if !e.Verify {
		return user, nil
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return nil, fmt.Errorf("%w: missing X-Amz-Date", ErrMalformedAuthorization)
	}

	secret, ok := e.Credentials.Lookup(scope.accessKeyID)
	if !ok {
		return nil, ErrInvalidAccessKeyID
	}

	stringToSign := StringToSign(amzDate, scope.String(), BuildCanonicalRequest(r))
	kSigning := SigningKey(secret, scope.date, scope.region, scope.service)
	computed := hex.EncodeToString(HmacSHA256(kSigning, stringToSign))

	if !hmac.Equal([]byte(computed), []byte(strings.ToLower(signature))) {
		return nil, &SignatureError{
			AccessKeyID:       scope.accessKeyID,
			StringToSign:      stringToSign,
			SignatureProvided: signature,
		}
	}

	return user, nil
}
