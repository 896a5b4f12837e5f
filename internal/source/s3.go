package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3API is the part of *s3.Client the source uses.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3 struct {
	bucket string
	key    string
	client S3API
}

// NewS3 loads the shared AWS config for profile (default chain when empty).
func NewS3(ctx context.Context, locator, profile string) (*S3, error) {
	bucket, key, err := parseS3URL(locator)
	if err != nil {
		return nil, err
	}
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return NewS3WithClient(bucket, key, s3.NewFromConfig(cfg)), nil
}

func NewS3WithClient(bucket, key string, client S3API) *S3 {
	return &S3{bucket: bucket, key: key, client: client}
}

func (s *S3) Describe(ctx context.Context) (Descriptor, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("error getting S3 object info: %v", err)
	}
	size := int64(-1)
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	log.Debug().Str("op", "source/s3").Str("bucket", s.bucket).Str("key", s.key).Int64("size", size).Msg("Object described")
	return Descriptor{
		Locator:       "s3://" + s.bucket + "/" + s.key,
		Length:        size,
		SupportsRange: size > 0,
		FileName:      path.Base(s.key),
	}, nil
}

func (s *S3) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}
	if start > 0 || end >= 0 {
		input.Range = aws.String(rangeHeader(start, end))
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("error getting object: %v", err)
	}
	return out.Body, nil
}

func (s *S3) Close() error {
	return nil
}

func parseS3URL(locator string) (string, string, error) {
	trimmed := strings.TrimPrefix(locator, "s3://")
	bucket, key, _ := strings.Cut(trimmed, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("invalid S3 URL format: %s", locator)
	}
	return bucket, key, nil
}
