package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3RemoteConfig configures the S3-backed remote document store.
type S3RemoteConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) instead
	// of setting these directly. DO NOT commit credentials to source control.
	AccessKeyID     string `json:"-" yaml:"access_key_id"`
	SecretAccessKey string `json:"-" yaml:"secret_access_key"`
	Prefix          string `json:"prefix" yaml:"prefix"`                 // Key prefix for all objects
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"` // Use path-style addressing

	// MaxRetries for individual S3 operations (default: 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// S3RemoteStore implements RemoteStore on S3 or S3-compatible object storage.
// Each document is one JSON object at <prefix><collection>/<id>.json; Query
// lists the collection and filters client-side.
type S3RemoteStore struct {
	client  *s3.Client
	config  S3RemoteConfig
	retryer *Retryer
}

// NewS3RemoteStore creates an S3-backed remote document store.
func NewS3RemoteStore(cfg S3RemoteConfig) (*S3RemoteStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3RemoteStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

func (s *S3RemoteStore) objectKey(collection, id string) string {
	return s.config.Prefix + collection + "/" + id + ".json"
}

// Get returns the document or ErrNotFound.
func (s *S3RemoteStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	key := s.objectKey(collection, id)

	val, result := s.retryer.DoWithResult(ctx, func() (any, error) {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isS3NotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("S3 read body failed: %w", err)
		}
		return d, nil
	})

	if result.LastErr != nil {
		return nil, result.LastErr
	}

	var doc Document
	if err := json.Unmarshal(val.([]byte), &doc); err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return &doc, nil
}

// Set creates or fully replaces a document.
func (s *S3RemoteStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	doc := Document{ID: id, Fields: fields, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}

	key := s.objectKey(collection, id)
	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.config.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	return result.LastErr
}

// Update merges fields into the existing document. A missing document is
// created; offline creates can race their own updates during replay.
func (s *S3RemoteStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	existing, err := s.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	merged := make(map[string]any)
	if existing != nil {
		for k, v := range existing.Fields {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return s.Set(ctx, collection, id, merged)
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *S3RemoteStore) Delete(ctx context.Context, collection, id string) error {
	key := s.objectKey(collection, id)
	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 delete object failed: %w", err)
		}
		return nil
	})
	return result.LastErr
}

// Query returns the documents in a collection matching all equality filters.
// The whole collection is listed and filtered client-side; collections are
// expected to stay small (per-user working sets).
func (s *S3RemoteStore) Query(ctx context.Context, collection string, filters map[string]any) ([]*Document, error) {
	prefix := s.config.Prefix + collection + "/"

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}

	var docs []*Document
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
		doc, err := s.Get(ctx, collection, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if matchesFilters(doc, filters) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func matchesFilters(doc *Document, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := doc.Fields[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey") ||
		strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "404")
}

// Close releases client resources. The S3 client holds none.
func (s *S3RemoteStore) Close() error {
	return nil
}
