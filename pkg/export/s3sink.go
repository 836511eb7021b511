package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Sentinel errors for S3 uploads.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("object store unavailable")
)

// S3Config configures an S3 or S3-compatible export sink.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set.
type S3Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Prefix is prepended to every object key, e.g. "exports/".
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when
	// neither config, environment nor profile set one.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs. Most S3-compatible stores need it.
	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c *S3Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("%w: s3 sink bucket is required", faults.ErrInvalidRequest)
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("%w: s3 access key id and secret access key must be provided together", faults.ErrInvalidRequest)
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads artifacts to a bucket.
type S3Sink struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Sink builds an S3 client from cfg.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(awsCfg.Region, cfg.Endpoint)
	return awsCfg, nil
}

// resolveRegion defaults AWS S3 to us-east-1. S3-compatible endpoints get
// no default.
func resolveRegion(sdkRegion, endpoint string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// Key returns the object key used for name.
func (s *S3Sink) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Put implements Sink and returns an s3:// URI.
func (s *S3Sink) Put(ctx context.Context, name, contentType string, body []byte) (string, error) {
	key := s.Key(name)
	length := int64(len(body))
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: &length,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	uri := "s3://" + s.bucket + "/" + key
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", &faults.IOFailure{Op: "put", Path: uri, Err: classifyS3Error(err)}
	}
	return uri, nil
}

// classifyS3Error attaches a sentinel for common S3 error codes while
// keeping the original error in the chain.
func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var sentinel error
	switch apiErr.ErrorCode() {
	case "NoSuchBucket":
		sentinel = ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		sentinel = ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		sentinel = ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		sentinel = ErrThrottled
	case "ServiceUnavailable", "InternalError":
		sentinel = ErrUnavailable
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
