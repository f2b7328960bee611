package deliver

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/quietbit/snapvault/internal/config"
	"github.com/quietbit/snapvault/internal/store"
)

type s3Target struct {
	bucket string
	prefix string
	cfg    *config.S3Config
	client *s3.Client
}

func newS3Target(cfg *config.S3Config) (*s3Target, error) {
	if cfg == nil {
		return nil, fmt.Errorf("s3: config missing")
	}
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3: bucket and region are required")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &s3Target{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg),
	}, nil
}

func (t *s3Target) Name() string { return "s3://" + t.bucket }

// Upload puts the whole artifact in one object. PutObject only makes the key
// visible on full success, so the remote side never observes a truncated
// artifact.
func (t *s3Target) Upload(ctx context.Context, a store.Artifact) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key := a.Name
	if t.prefix != "" {
		key = path.Join(t.prefix, a.Database, a.Name)
	} else {
		key = path.Join(a.Database, a.Name)
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(a.Size),
	})
	if err != nil {
		if apiErr, ok := err.(smithy.APIError); ok {
			return "", fmt.Errorf("s3 put object: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("s3 put object: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", t.bucket, key), nil
}
