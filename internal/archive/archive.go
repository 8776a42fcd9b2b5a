// Package archive keeps a durable copy of mailed letters and exhibit
// images in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"autopilot/internal/apperr"
	"autopilot/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeJPEG = "image/jpeg"
)

// Store saves an object and returns the URL it can be read back from.
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// Disabled is used when no bucket is configured; every Put is a no-op.
type Disabled struct{}

func (Disabled) Put(context.Context, string, string, []byte) (string, error) { return "", nil }

// Putter is the slice of the S3 client the archive needs.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes objects to a single bucket.
type S3 struct {
	client   Putter
	bucket   string
	endpoint string
	region   string
}

// New returns Disabled when cfg has no bucket, otherwise an S3 archive.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArchiveBucket == "" {
		return Disabled{}, nil
	}
	return NewS3(ctx, cfg)
}

// NewS3 loads AWS credentials the default way, pointing at
// AWS_ENDPOINT_URL when one is configured (localstack, minio).
func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	awsConf, err := loadAWS(ctx, cfg.AWSRegion, cfg.AWSEndpointURL)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWSEndpointURL != ""
	})
	return &S3{client: client, bucket: cfg.ArchiveBucket, endpoint: cfg.AWSEndpointURL, region: cfg.AWSRegion}, nil
}

// NewWithClient builds an archive around an existing client.
func NewWithClient(client Putter, bucket, endpoint, region string) *S3 {
	return &S3{client: client, bucket: bucket, endpoint: endpoint, region: region}
}

func loadAWS(ctx context.Context, region, endpoint string) (aws.Config, error) {
	if endpoint == "" {
		return awsCfg.LoadDefaultConfig(ctx, awsCfg.WithRegion(region))
	}
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, r string, _ ...any) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               endpoint,
			HostnameImmutable: true,
			PartitionID:       "aws",
		}, nil
	})
	return awsCfg.LoadDefaultConfig(ctx, awsCfg.WithRegion(region), awsCfg.WithEndpointResolverWithOptions(resolver))
}

func (s *S3) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Body:        bytes.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("archive put %s: %v: %w", key, err, apperr.ErrDependency)
	}
	return s.URL(key), nil
}

// URL is the object's address: path style under a custom endpoint,
// virtual-hosted style on AWS.
func (s *S3) URL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.endpoint, "/"), s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// LetterKey is where a mailed letter's text is kept.
func LetterKey(userID, ticketID, letterID string) string {
	return fmt.Sprintf("letters/%s/%s/%s.txt", userID, ticketID, letterID)
}

// ExhibitKey is where a letter's nth street-view exhibit is kept.
func ExhibitKey(ticketID, letterID string, n int) string {
	return fmt.Sprintf("exhibits/%s/%s-%02d.jpg", ticketID, letterID, n)
}
