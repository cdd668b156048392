package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pollsync/pkg/models"
)

// ResultArchive keeps a history of successful fetch results beyond the
// single ResultCache entry.
type ResultArchive interface {
	// Store saves a result and returns a reference path/URL
	Store(ctx context.Context, result models.Result) (string, error)
	// Retrieve fetches a result by reference
	Retrieve(ctx context.Context, reference string) (*models.Result, error)
}

// S3ResultArchive stores results in S3-compatible storage
type S3ResultArchive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig holds S3 configuration
type S3ArchiveConfig struct {
	Bucket          string
	Prefix          string // e.g., "results/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3ResultArchive creates a new S3-backed archive
func NewS3ResultArchive(ctx context.Context, cfg S3ArchiveConfig) (*S3ResultArchive, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3ResultArchive{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Store uploads one result as a JSON object keyed by date and timestamp.
func (s *S3ResultArchive) Store(ctx context.Context, result models.Result) (string, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	key := archiveKey(s.prefix, result)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload result to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve downloads a result by s3:// reference or bare key.
func (s *S3ResultArchive) Retrieve(ctx context.Context, reference string) (*models.Result, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(extractKey(reference)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get result from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	return decodeArchived(data)
}

// LocalResultArchive stores results on the local filesystem (development/single-node)
type LocalResultArchive struct {
	basePath string
}

// NewLocalResultArchive creates a filesystem archive rooted at basePath.
func NewLocalResultArchive(basePath string) (*LocalResultArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalResultArchive{basePath: basePath}, nil
}

func (l *LocalResultArchive) Store(ctx context.Context, result models.Result) (string, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	path := filepath.Join(l.basePath, filepath.FromSlash(archiveKey("", result)))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	return path, nil
}

func (l *LocalResultArchive) Retrieve(ctx context.Context, reference string) (*models.Result, error) {
	data, err := os.ReadFile(reference)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	return decodeArchived(data)
}

func archiveKey(prefix string, result models.Result) string {
	at := result.FetchedAt().UTC()
	return fmt.Sprintf("%s%s/%d-%s.json", prefix, at.Format("2006/01/02"), result.Timestamp, result.PeerID)
}

func extractKey(reference string) string {
	// s3://bucket/key
	if rest, ok := strings.CutPrefix(reference, "s3://"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i+1:]
		}
	}
	return reference
}

func decodeArchived(data []byte) (*models.Result, error) {
	var result models.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode archived result: %w", err)
	}
	return &result, nil
}

