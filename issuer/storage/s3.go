package storage

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// S3Config holds the settings for the S3 driver. A non-empty Endpoint
// switches the client to path-style addressing and disables server-side
// encryption, which is what MinIO and other S3-compatible stores expect.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Storage stores artifacts in an S3 bucket.
type S3Storage struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Storage builds a client from the ambient AWS credentials chain.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "could not load AWS configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Storage{client: client, cfg: cfg}, nil
}

// Save uploads the artifact and returns its key.
func (s *S3Storage) Save(ctx context.Context, tenantID, batchID, objectID string, data []byte, opts ...Option) (string, error) {
	o := applyOptions(opts)
	key := Key(o.folder, tenantID, batchID, objectID, o.extension)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(o.contentType),
	}
	if s.cfg.Endpoint == "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", errors.Wrapf(err, "could not upload artifact %s", key)
	}
	log.WithFields(logrus.Fields{"key": key, "bucket": s.cfg.Bucket, "bytes": len(data)}).Debug("Uploaded artifact")
	return key, nil
}

// Load downloads the artifact stored under key.
func (s *S3Storage) Load(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not download artifact %s", key)
	}
	defer func() {
		if err := out.Body.Close(); err != nil {
			log.WithError(err).Error("Could not close object body")
		}
	}()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read artifact %s", key)
	}
	return data, nil
}

// PublicURL returns the object address. With a custom endpoint the
// path-style form is used, matching how the client addresses the bucket.
func (s *S3Storage) PublicURL(key string) string {
	if s.cfg.Endpoint != "" {
		return strings.TrimSuffix(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key
	}
	return "https://" + s.cfg.Bucket + ".s3." + s.cfg.Region + ".amazonaws.com/" + key
}

// Name identifies the driver.
func (s *S3Storage) Name() string {
	return "s3"
}
