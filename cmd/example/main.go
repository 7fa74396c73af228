// Command example exercises a running pseudos3 server with the MinIO client.
//
// The server canonicalizes every received header when it checks a SigV4
// signature and minio-go does not sign all of them, so start the server with
// -validate-signature=false before running this against it.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	BucketName    = "example-bucket"
	ArchiveBucket = "archive-bucket"
	ObjectName    = "notes/hello.txt"
	ObjectContent = "Hello from pseudos3!\n"
)

// EnsureBucket checks if a bucket exists, and creates it in region if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string, region string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
		slog.Info("Created bucket", "bucket", bucketName, "region", region)
	}
	return nil
}

// UploadObject stores content under objectName with a piece of user metadata.
func UploadObject(ctx context.Context, client *minio.Client, bucketName string, objectName string, content []byte) error {
	_, err := client.PutObject(ctx, bucketName, objectName, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  "text/plain",
		UserMetadata: map[string]string{"Origin": "example"},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q to bucket %q: %w", objectName, bucketName, err)
	}

	slog.Info("Uploaded object", "bucket", bucketName, "object", objectName, "size", humanize.IBytes(uint64(len(content))))
	return nil
}

// ListTree lists one level of bucketName below prefix, showing folded prefixes.
func ListTree(ctx context.Context, client *minio.Client, bucketName string, prefix string) error {
	for info := range client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if info.Err != nil {
			return fmt.Errorf("failed to list objects in bucket %q: %w", bucketName, info.Err)
		}
		if info.Size == 0 && info.ETag == "" {
			slog.Info("Prefix", "bucket", bucketName, "prefix", info.Key)
			continue
		}
		slog.Info("Object", "bucket", bucketName, "key", info.Key, "size", humanize.IBytes(uint64(info.Size)), "modified", humanize.Time(info.LastModified))
	}
	return nil
}

// ReadRange fetches bytes [start, end] of an object.
func ReadRange(ctx context.Context, client *minio.Client, bucketName string, objectName string, start int64, end int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, err
	}

	obj, err := client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %q: %w", objectName, err)
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

func CopyObject(ctx context.Context, client *minio.Client, srcBucket string, srcObject string, destBucket string, destObject string) error {
	copySrc := minio.CopySrcOptions{Bucket: srcBucket, Object: srcObject}
	copyDst := minio.CopyDestOptions{Bucket: destBucket, Object: destObject}
	if _, err := client.CopyObject(ctx, copyDst, copySrc); err != nil {
		return fmt.Errorf("failed to copy object from %q/%q to %q/%q: %w", srcBucket, srcObject, destBucket, destObject, err)
	}
	slog.Info("Copied object", "source", srcBucket+"/"+srcObject, "dest", destBucket+"/"+destObject)
	return nil
}

// MultipartUpload uploads three parts with the low-level Core client.
func MultipartUpload(ctx context.Context, core *minio.Core, bucketName string, objectName string) error {
	uploadID, err := core.NewMultipartUpload(ctx, bucketName, objectName, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	log := slog.With("bucket", bucketName, "object", objectName, "upload_id", uploadID)
	log.Info("Started multipart upload")

	partData := [][]byte{
		bytes.Repeat([]byte("AAAA"), 256*1024),
		bytes.Repeat([]byte("BBBB"), 256*1024),
		bytes.Repeat([]byte("CCCC"), 128*1024), // smaller last part
	}

	var parts []minio.CompletePart
	var total int

	for i, data := range partData {
		partNumber := i + 1

		part, err := core.PutObjectPart(ctx, bucketName, objectName, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if err != nil {
			if abortErr := core.AbortMultipartUpload(ctx, bucketName, objectName, uploadID); abortErr != nil {
				log.Warn("Abort failed", "err", abortErr)
			}
			return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		parts = append(parts, minio.CompletePart{PartNumber: partNumber, ETag: part.ETag})
		total += len(data)
	}

	if _, err := core.CompleteMultipartUpload(ctx, bucketName, objectName, uploadID, parts, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	log.Info("Completed multipart upload", "parts", len(parts), "size", humanize.IBytes(uint64(total)))
	return nil
}

// EmptyBucket batch-deletes every object in bucketName.
func EmptyBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	objects := client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Recursive: true})
	for result := range client.RemoveObjects(ctx, bucketName, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("failed to delete %q: %w", result.ObjectName, result.Err)
		}
	}
	return nil
}

func Run(ctx context.Context, client *minio.Client, core *minio.Core, region string) error {
	if err := EnsureBucket(ctx, client, BucketName, region); err != nil {
		return err
	}

	if err := UploadObject(ctx, client, BucketName, ObjectName, []byte(ObjectContent)); err != nil {
		return err
	}

	stat, err := client.StatObject(ctx, BucketName, ObjectName, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to stat object: %w", err)
	}
	slog.Info("Object metadata", "etag", stat.ETag, "content_type", stat.ContentType, "origin", stat.UserMetadata["Origin"])

	head, err := ReadRange(ctx, client, BucketName, ObjectName, 0, 4)
	if err != nil {
		return err
	}
	slog.Info("Read range", "bytes", string(head))

	if err := CopyObject(ctx, client, BucketName, ObjectName, BucketName, "notes/archive/hello.txt"); err != nil {
		return err
	}

	if err := ListTree(ctx, client, BucketName, "notes/"); err != nil {
		return err
	}

	if err := EnsureBucket(ctx, client, ArchiveBucket, region); err != nil {
		return err
	}

	if err := MultipartUpload(ctx, core, ArchiveBucket, "blobs/multipart.bin"); err != nil {
		return err
	}

	if err := ListTree(ctx, client, ArchiveBucket, "blobs/"); err != nil {
		return err
	}

	for _, bucket := range []string{BucketName, ArchiveBucket} {
		if err := EmptyBucket(ctx, client, bucket); err != nil {
			return err
		}
		if err := client.RemoveBucket(ctx, bucket); err != nil {
			return fmt.Errorf("failed to remove bucket %q: %w", bucket, err)
		}
		slog.Info("Removed bucket", "bucket", bucket)
	}

	return nil
}

func main() {
	slog.SetDefault(slog.New(log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})))

	endpoint := getenv("PSEUDOS3_ENDPOINT", "localhost:9000")
	region := getenv("PSEUDOS3_REGION", "us-east-1")
	accessKey := getenv("AWS_ACCESS_KEY", "pseudoS3AccessKey")
	secretKey := getenv("AWS_SECRET_KEY", "pseudoS3SecretKey")

	opts := &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:       false,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		slog.Error("failed to create MinIO client", "err", err)
		os.Exit(1)
	}

	core, err := minio.NewCore(endpoint, opts)
	if err != nil {
		slog.Error("failed to create MinIO core client", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := Run(ctx, client, core, region); err != nil {
		slog.Error("error running example", "err", err)
		cancel()
		os.Exit(1)
	}
}
