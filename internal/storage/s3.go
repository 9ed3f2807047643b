package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

const uploadPartSize = 8 * 1024 * 1024

type S3Options struct {
	Bucket  string
	Profile string
	Region  string
}

// S3Sink uploads objects to a bucket. Names are used as object keys.
type S3Sink struct {
	bucket   string
	uploader *manager.Uploader
}

func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	profile := opts.Profile
	if profile == "" {
		profile = os.Getenv("AWS_PROFILE")
	}
	if profile == "" {
		profile = "default"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithSharedConfigProfile(profile),
		awsconfig.WithRetryMode(aws.RetryModeAdaptive),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
	})
	log.Debug().Str("op", "storage/s3").Msgf("using profile %s for bucket %s", profile, opts.Bucket)
	return newS3Sink(client, opts.Bucket), nil
}

func newS3Sink(client manager.UploadAPIClient, bucket string) *S3Sink {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
		u.Concurrency = 2
	})
	return &S3Sink{bucket: bucket, uploader: uploader}
}

func (s *S3Sink) Put(ctx context.Context, obj Object) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj.Name),
		Body:          bytes.NewReader(obj.Data),
		ContentType:   aws.String(obj.ContentType),
		ContentLength: aws.Int64(int64(len(obj.Data))),
	})
	if err != nil {
		return fmt.Errorf("error uploading object: %w", err)
	}
	return nil
}

func (s *S3Sink) String() string {
	return "s3://" + s.bucket
}
