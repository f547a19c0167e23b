// Package archive stores finished automation-session logs before retention
// deletes them, either in a local directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/models"
)

// Sink writes one archived object and returns its location.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks the S3 sink when a bucket is configured, else the local directory.
func New(ctx context.Context, cfg config.Config) (Sink, error) {
	if cfg.ArchiveS3Bucket == "" {
		dir := cfg.ArchiveDir
		if dir == "" {
			dir = "./archive"
		}
		return NewLocal(dir), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// SessionKey is the object key of a session's archived log.
func SessionKey(sess models.AutomationSession) string {
	return fmt.Sprintf("sessions/%s/%s.json", sess.ProjectID, sess.ID)
}

// PutSession encodes the session with its full event log as JSON.
func PutSession(ctx context.Context, sink Sink, details models.SessionDetails) (string, error) {
	body, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", details.Session.ID, err)
	}
	return sink.Put(ctx, SessionKey(details.Session), body, "application/json")
}

// Local writes objects below a base directory.
type Local struct {
	baseDir string
}

// NewLocal returns a sink rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{baseDir: dir}
}

// Put writes body to baseDir/key.
func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3 writes objects into one bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// Put uploads body under key.
func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
