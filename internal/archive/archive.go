// Package archive stores an audit record for every deprovisioned mailbox,
// in S3 as one JSON object per record or in DynamoDB as one item per
// record with a TTL.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/offermail/internal/service/lifecycle"
)

// Backend names accepted by Config.Backend.
const (
	BackendS3       = "s3"
	BackendDynamoDB = "dynamodb"
)

// Config selects and configures the archive backend. An empty Backend
// disables archiving.
type Config struct {
	Backend         string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	Table           string
	TTL             time.Duration
}

// New builds the configured archiver. It returns (nil, nil) when archiving
// is disabled.
func New(ctx context.Context, cfg Config) (lifecycle.Archiver, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		return nil, nil
	}
	switch backend {
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend requires a bucket")
		}
	case BackendDynamoDB:
		if cfg.Table == "" {
			return nil, fmt.Errorf("archive: dynamodb backend requires a table")
		}
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if backend == BackendS3 {
		return NewS3Archiver(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
	}
	return NewDynamoArchiver(dynamodb.NewFromConfig(awsCfg), cfg.Table, cfg.TTL), nil
}

func loadAWS(ctx context.Context, cfg Config) (aws.Config, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}
