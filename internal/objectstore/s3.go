// Package objectstore uploads generated media to S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultPresignTTL = 7 * 24 * time.Hour

type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// PublicBaseURL, when set, is joined with the object key instead of
	// handing out presigned links.
	PublicBaseURL string
	PresignTTL    time.Duration
	// RetryMaxAttempts overrides the SDK retry budget when positive.
	RetryMaxAttempts int
}

// S3 puts objects into one bucket and returns a URL for each.
type S3 struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	publicBase string
	ttl        time.Duration
}

func New(ctx context.Context, opts Options) (*S3, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// MinIO and most S3-compatible servers need path-style addressing.
			o.UsePathStyle = true
		}
		if opts.RetryMaxAttempts > 0 {
			o.RetryMaxAttempts = opts.RetryMaxAttempts
		}
	})

	ttl := opts.PresignTTL
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}

	return &S3{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     bucket,
		publicBase: strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/"),
		ttl:        ttl,
	}, nil
}

// Put uploads data under key and returns its public or presigned URL.
func (s *S3) Put(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	if key == "" {
		return "", errors.New("object key is required")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	if s.publicBase != "" {
		return s.publicBase + "/" + escapeKey(key), nil
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = s.ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Ping checks that the bucket is reachable.
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
