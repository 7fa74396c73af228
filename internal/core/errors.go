package core

import (
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"pseudos3/internal/auth"
	"pseudos3/internal/storage"
)

// expiryFormat is the layout of the Expires and ServerTime fields of an
// expired request error.
const expiryFormat = "2006-01-02T15:04:05Z"

// writeS3Error writes an S3-style XML error response. The request and host
// ids are taken from the response headers set by RequestID.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int, extra ...ErrorField) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:      code,
		Message:   message,
		Resource:  resource,
		Extra:     extra,
		RequestId: w.Header().Get(requestIDHeader),
		HostId:    w.Header().Get(hostIDHeader),
	})
}

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	message := op + " is not implemented."
	writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request, bucket string) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound, errorField("BucketName", bucket))
}

func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request, key string) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound, errorField("Key", key))
}

func writeMalformedXMLError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
}

// storageErrorCode maps a storage error onto its S3 error code, message and
// HTTP status. ok is false for errors without a client-facing mapping.
func storageErrorCode(err error) (code string, message string, status int, ok bool) {
	switch {
	case errors.Is(err, storage.ErrBucketNotFound):
		return "NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound, true
	case errors.Is(err, storage.ErrInvalidRegion):
		return "IllegalLocationConstraintException", "The specified location constraint is not valid.", http.StatusBadRequest, true
	case errors.Is(err, storage.ErrBucketExists):
		return "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", http.StatusConflict, true
	case errors.Is(err, storage.ErrBucketNotEmpty):
		return "BucketNotEmpty", "The bucket you tried to delete is not empty.", http.StatusConflict, true
	case errors.Is(err, storage.ErrObjectNotFound):
		return "NoSuchKey", "The specified key does not exist.", http.StatusNotFound, true
	case errors.Is(err, storage.ErrUploadNotFound):
		return "NoSuchUpload", "The specified multipart upload does not exist. The upload ID might be invalid, or the multipart upload might have been aborted or completed.", http.StatusNotFound, true
	case errors.Is(err, storage.ErrPartNotFound):
		return "InvalidPart", "One or more of the specified parts could not be found. The part might not have been uploaded.", http.StatusBadRequest, true
	case errors.Is(err, storage.ErrInvalidPart):
		return "InvalidArgument", "Part number must be an integer between 1 and 10000, inclusive.", http.StatusBadRequest, true
	case errors.Is(err, storage.ErrInvalidKey):
		return "InvalidObjectName", "The specified key is not valid.", http.StatusBadRequest, true
	}
	return "", "", 0, false
}

// writeStorageError maps err onto an S3 error response. Unknown errors are
// logged and reported as InternalError.
func writeStorageError(w http.ResponseWriter, r *http.Request, err error, bucket string, key string) {
	code, message, status, ok := storageErrorCode(err)
	if !ok {
		slog.Error("Storage operation failed", "method", r.Method, "path", r.URL.Path, "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	var extra []ErrorField
	switch code {
	case "NoSuchBucket", "BucketAlreadyOwnedByYou", "BucketNotEmpty":
		extra = append(extra, errorField("BucketName", bucket))
	case "NoSuchKey", "InvalidObjectName":
		extra = append(extra, errorField("Key", key))
	}

	writeS3Error(w, code, message, r.URL.Path, status, extra...)
}

// stringToSignBytes renders s as space separated uppercase hex code points.
func stringToSignBytes(s string) string {
	parts := make([]string, 0, len(s))
	for _, c := range s {
		parts = append(parts, fmt.Sprintf("%X", c))
	}
	return strings.Join(parts, " ")
}

// writeAuthError maps an authentication failure onto an S3 error response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var sigErr *auth.SignatureError
	var expErr *auth.ExpiredError

	switch {
	case errors.As(err, &sigErr):
		writeS3Error(w, "SignatureDoesNotMatch",
			"The request signature we calculated does not match the signature you provided. Check your key and signing method.",
			r.URL.Path, http.StatusForbidden,
			errorField("AWSAccessKeyId", sigErr.AccessKeyID),
			errorField("StringToSign", sigErr.StringToSign),
			errorField("SignatureProvided", sigErr.SignatureProvided),
			errorField("StringToSignBytes", stringToSignBytes(sigErr.StringToSign)),
		)
	case errors.As(err, &expErr):
		writeS3Error(w, "AccessDenied", "Request has expired", r.URL.Path, http.StatusForbidden,
			errorField("Expires", expErr.Expires.UTC().Format(expiryFormat)),
			errorField("ServerTime", expErr.ServerTime.UTC().Format(expiryFormat)),
		)
	case errors.Is(err, auth.ErrInvalidAccessKeyID):
		writeS3Error(w, "InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.", r.URL.Path, http.StatusForbidden)
	case errors.Is(err, auth.ErrMalformedAuthorization):
		writeS3Error(w, "AuthorizationHeaderMalformed", err.Error(), r.URL.Path, http.StatusBadRequest)
	default:
		slog.Error("Authenticate request", "path", r.URL.Path, "err", err)
		writeInternalError(w, r)
	}
}
