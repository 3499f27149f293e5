package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// Archiver receives the final snapshot of a terminated session. The
// archive exists for post-hoc audit; failures are logged, never
// load-bearing for enforcement.
type Archiver interface {
	Archive(ctx context.Context, final contracts.SessionSnapshot) error
}

// S3Archiver writes terminated sessions to an S3-compatible bucket
// (AWS, MinIO, LocalStack). Objects are keyed by session ID plus the
// snapshot's content hash, so re-archival is idempotent.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig holds the sink configuration.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string // optional key prefix, e.g. "sessions/"
}

// NewS3Archiver creates the sink using the ambient AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("session archive: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, final contracts.SessionSnapshot) error {
	body, err := canonicalize.JCS(final)
	if err != nil {
		return fmt.Errorf("session archive: canonicalize: %w", err)
	}
	hash := canonicalize.HashBytes(body)
	key := fmt.Sprintf("%s%s/%s.json", a.prefix, final.SessionID, hash)

	// Idempotent: content-addressed key already present means done.
	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("session archive: put %s: %w", key, err)
	}
	return nil
}

// MemoryArchiver retains archived snapshots in memory, for tests and
// single-process deployments that only need in-lifetime audit.
type MemoryArchiver struct {
	mu       sync.Mutex
	archived map[string]contracts.SessionSnapshot
}

func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{archived: make(map[string]contracts.SessionSnapshot)}
}

func (a *MemoryArchiver) Archive(_ context.Context, final contracts.SessionSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived[final.SessionID] = final
	return nil
}

// Get returns the archived snapshot for a session, if present.
func (a *MemoryArchiver) Get(sessionID string) (contracts.SessionSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.archived[sessionID]
	return s, ok
}
