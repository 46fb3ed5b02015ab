package staging

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend mirrors a local lake partition up to an S3-compatible bucket:
// MinIO, Hetzner Object Storage, or AWS S3 itself, selected purely by which
// endpoint URL is configured. The client setup (static credentials, custom
// endpoint resolver, path-style addressing) follows the teacher's
// storage.LakeFSListObjects/HetznerUploadMultipleFiles pattern.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Backend builds a backend against endpoint (empty selects AWS's
// default resolver) using static credentials. usePathStyle should be true
// for MinIO/Hetzner-style endpoints and false for genuine AWS S3.
func NewS3Backend(ctx context.Context, endpoint, region, accessKey, secretKey, bucket string, usePathStyle bool) (*S3Backend, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	}
	if endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region, HostnameImmutable: true}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("staging: loading S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	return &S3Backend{client: client, uploader: manager.NewUploader(client), bucket: bucket}, nil
}

// EnsureBucket creates the target bucket if it does not already exist.
func (b *S3Backend) EnsureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("staging: creating bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Upload copies a staged file at localPath to objectKey in the bucket,
// using the multipart-aware upload manager so large staged files don't
// need to fit in memory.
func (b *S3Backend) Upload(ctx context.Context, localPath, objectKey string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("staging: opening %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("staging: uploading %s to %s: %w", localPath, objectKey, err)
	}
	return nil
}

// Synced reports whether the object at objectKey already matches the local
// file's MD5 checksum, so a sync pass can skip files that have not changed.
func (b *S3Backend) Synced(ctx context.Context, localPath, objectKey string) (bool, error) {
	localSum, err := md5File(localPath)
	if err != nil {
		return false, err
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(objectKey)})
	if err != nil {
		return false, nil
	}
	if head.ETag == nil {
		return false, nil
	}
	remoteSum := trimQuotes(*head.ETag)
	return remoteSum == localSum, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("staging: hashing %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("staging: hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
