// Package evidence archives the frames of failed supervision attempts so a
// proctor can review them after the test.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrCodeEU/examguard/pkg/config"
	"github.com/MrCodeEU/examguard/pkg/logging"
)

// Archive stores a frame and returns its location.
type Archive interface {
	StoreFrame(ctx context.Context, sessionID, attemptID string, frame []byte) (string, error)
}

// ErrEmptyFrame is returned when there is nothing to archive.
var ErrEmptyFrame = errors.New("empty evidence frame")

// Key returns the object key for an attempt's frame.
func Key(sessionID, attemptID string) string {
	return fmt.Sprintf("sessions/%s/%s.jpg", sessionID, attemptID)
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive uploads frames to an S3-compatible bucket.
type S3Archive struct {
	client putObjectAPI
	bucket string
}

// NewS3Archive builds an archive from cfg. Static credentials and a custom
// endpoint are used when set, which is how MinIO is reached.
func NewS3Archive(ctx context.Context, cfg config.EvidenceConfig) (*S3Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logging.Component("evidence").WithField("bucket", cfg.Bucket).Info("Evidence archive configured")
	return &S3Archive{client: client, bucket: cfg.Bucket}, nil
}

// StoreFrame uploads frame under Key(sessionID, attemptID).
func (a *S3Archive) StoreFrame(ctx context.Context, sessionID, attemptID string, frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", ErrEmptyFrame
	}

	key := Key(sessionID, attemptID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(frame),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload evidence %s: %w", key, err)
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
