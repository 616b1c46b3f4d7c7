package objectstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds bucket and client settings. Endpoint and UsePathStyle allow
// S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PageSize        int32
}

// S3Lister lists objects with ListObjectsV2
type S3Lister struct {
	client   s3.ListObjectsV2APIClient
	bucket   string
	pageSize int32
	logger   *slog.Logger
}

// NewS3Lister creates an S3Lister using the default AWS credential chain
// unless static keys are configured
func NewS3Lister(ctx context.Context, cfg *S3Config, logger *slog.Logger) (*S3Lister, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
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

	logger.Info("S3 object store configured",
		slog.String("bucket", cfg.Bucket),
		slog.String("region", awsCfg.Region),
		slog.String("endpoint", cfg.Endpoint),
	)

	return NewS3ListerWithClient(client, cfg.Bucket, cfg.PageSize, logger), nil
}

// NewS3ListerWithClient wraps an existing ListObjectsV2 client
func NewS3ListerWithClient(client s3.ListObjectsV2APIClient, bucket string, pageSize int32, logger *slog.Logger) *S3Lister {
	return &S3Lister{
		client:   client,
		bucket:   bucket,
		pageSize: pageSize,
		logger:   logger,
	}
}

// List pages through every object under prefix
func (l *S3Lister) List(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(prefix),
	}
	if l.pageSize > 0 {
		input.MaxKeys = aws.Int32(l.pageSize)
	}

	paginator := s3.NewListObjectsV2Paginator(l.client, input)

	var keys []string
	pages := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}
		pages++
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	l.logger.Debug("Listed objects",
		slog.String("bucket", l.bucket),
		slog.String("prefix", prefix),
		slog.Int("count", len(keys)),
		slog.Int("pages", pages),
	)

	return keys, nil
}
