package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LogStore archives the combined output of finished runs. During
// execution the run writes to a local file; when it finalizes, the
// scheduler hands the captured bytes here and stores the returned
// reference in the run archive.
type LogStore interface {
	// Store saves a finished run's log and returns an opaque reference.
	Store(ctx context.Context, job string, build uint, logs []byte) (string, error)
	// Retrieve fetches a log by the reference RecordRun stored.
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// S3LogStore keeps run logs in S3-compatible storage, laid out as
// <prefix><job>/<build>.log.
type S3LogStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds S3 configuration.
type S3Config struct {
	Bucket          string
	Prefix          string // e.g. "logs/"
	Region          string
	Endpoint        string // for MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

func NewS3LogStore(cfg S3Config) (*S3LogStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	return &S3LogStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3LogStore) Store(ctx context.Context, job string, build uint, logs []byte) (string, error) {
	key := fmt.Sprintf("%s%s/%d.log", s.prefix, job, build)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(logs),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload logs to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3LogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := s.extractKey(reference)
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return data, nil
}

func (s *S3LogStore) extractKey(reference string) string {
	// s3://bucket/key
	trimmed := strings.TrimPrefix(reference, "s3://")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 && trimmed != reference {
		return trimmed[i+1:]
	}
	return reference
}

// LocalLogStore keeps run logs on the local filesystem, for single-node
// deployments.
type LocalLogStore struct {
	basePath string
}

func NewLocalLogStore(basePath string) (*LocalLogStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LocalLogStore{basePath: basePath}, nil
}

func (l *LocalLogStore) Store(ctx context.Context, job string, build uint, logs []byte) (string, error) {
	dir := filepath.Join(l.basePath, job)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.log", build))
	if err := os.WriteFile(path, logs, 0644); err != nil {
		return "", fmt.Errorf("failed to write logs: %w", err)
	}
	return path, nil
}

func (l *LocalLogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}
