package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the backend uses.
// Tests substitute a fake implementation.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config holds the settings for an S3 compatible bucket.
type S3Config struct {
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	Endpoint     string // custom endpoint, e.g. MinIO
	Prefix       string
	UsePathStyle bool
}

// S3Backend stores blobs in an S3 bucket. Object metadata carries the checksum
// and the original filename.
type S3Backend struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Backend creates an S3 backend using the default AWS credential chain
// unless static keys are configured.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3BackendWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3BackendWithClient creates an S3 backend around an existing client.
func NewS3BackendWithClient(client S3API, bucket, prefix string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func newS3FromMap(config map[string]interface{}) (Backend, error) {
	str := func(k string) string {
		s, _ := config[k].(string)
		return s
	}
	usePathStyle, _ := config["use_path_style"].(bool)
	return NewS3Backend(context.Background(), S3Config{
		Bucket:       str("bucket"),
		Region:       str("region"),
		AccessKey:    str("access_key"),
		SecretKey:    str("secret_key"),
		Endpoint:     str("endpoint"),
		Prefix:       str("prefix"),
		UsePathStyle: usePathStyle,
	})
}

func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func (b *S3Backend) Store(ctx context.Context, obj *Object) (*Reference, error) {
	if obj.CreatedTime.IsZero() {
		obj.CreatedTime = time.Now().UTC()
	}
	hash := sha256.Sum256(obj.Content)
	checksum := hex.EncodeToString(hash[:])
	key := ObjectKey(obj)

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := map[string]string{
		"checksum-sha256": checksum,
		"filename":        SafeFileName(obj.FileName),
		"organization-id": obj.OrganizationID,
		"message-id":      obj.MessageID,
	}
	for k, v := range obj.Metadata {
		meta[k] = v
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(obj.Content),
		ContentLength: aws.Int64(int64(len(obj.Content))),
		ContentType:   aws.String(contentType),
		Metadata:      meta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	return &Reference{
		Backend:     TypeS3,
		Key:         key,
		ContentType: obj.ContentType,
		FileName:    obj.FileName,
		Size:        int64(len(obj.Content)),
		Checksum:    checksum,
		CreatedTime: obj.CreatedTime,
	}, nil
}

func (b *S3Backend) Retrieve(ctx context.Context, ref *Reference) (*Object, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(ref.Key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", ref.Key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", ref.Key, err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", ref.Key, err)
	}

	obj := &Object{
		FileName:    ref.FileName,
		ContentType: aws.ToString(out.ContentType),
		Content:     content,
		Metadata:    out.Metadata,
		CreatedTime: ref.CreatedTime,
	}
	if obj.ContentType == "" {
		obj.ContentType = ref.ContentType
	}
	return obj, nil
}

func (b *S3Backend) Delete(ctx context.Context, ref *Reference) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(ref.Key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", ref.Key, err)
	}
	return nil
}

func (b *S3Backend) Exists(ctx context.Context, ref *Reference) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(ref.Key)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head object %s: %w", ref.Key, err)
}

func (b *S3Backend) GetInfo() *BackendInfo {
	return &BackendInfo{
		Name:         "S3Backend",
		Type:         TypeS3,
		Capabilities: []string{"store", "retrieve", "delete"},
		Status:       "active",
	}
}

func (b *S3Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", b.bucket, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
