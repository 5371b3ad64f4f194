package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/wesalappx/wesal-app-sub001/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the part of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes closed session snapshots to an S3 bucket
type S3Archiver struct {
	client ObjectPutter
	bucket string
}

// S3Options configures the archive bucket
type S3Options struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// Endpoint points at an S3 compatible service instead of AWS
	Endpoint string
}

// NewS3Archiver creates an archiver backed by a new S3 client
func NewS3Archiver(ctx context.Context, opts S3Options) (*S3Archiver, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3ArchiverWithClient(client, opts.Bucket), nil
}

// NewS3ArchiverWithClient creates an archiver over an existing client
func NewS3ArchiverWithClient(client ObjectPutter, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

// Key returns the object key of a session snapshot
func (a *S3Archiver) Key(session *models.Session) string {
	return fmt.Sprintf("sessions/%s/%s.json", session.CoupleID, session.ID)
}

// Archive uploads the session as JSON
func (a *S3Archiver) Archive(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(session)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload session archive: %w", err)
	}
	return nil
}
