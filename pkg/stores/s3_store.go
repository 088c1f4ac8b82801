package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3 store configuration.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Store keeps one object per device under a key prefix. PutObject replaces
// an object wholesale, so a record is never partially written.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates a store using the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3StoreWithClient creates a store over an existing client.
func NewS3StoreWithClient(client S3API, cfg S3Config) *S3Store {
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// Key returns the object key of device.
func (s *S3Store) Key(device string) string {
	return path.Join(s.prefix, device+ConfigExt)
}

// Load returns the stored configuration, or "" when the object does not exist.
func (s *S3Store) Load(ctx context.Context, device string) (string, error) {
	if err := validateDeviceName(device); err != nil {
		return "", err
	}

	key := s.Key(device)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", nil
		}
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return "", fmt.Errorf("failed to read S3 object body: %w", err)
	}

	return buf.String(), nil
}

// Save replaces the stored configuration.
func (s *S3Store) Save(ctx context.Context, device, text string) error {
	if err := validateDeviceName(device); err != nil {
		return err
	}

	key := s.Key(device)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(text),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("failed to write s3://%s/%s: %w", s.bucket, key, err)
	}

	return nil
}

// Close implements Store.
func (s *S3Store) Close() error {
	return nil
}
