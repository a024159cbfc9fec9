// Package archive uploads finished run recordings to S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"

	"github.com/dbs2/ashtrail/internal/engine"
)

// ErrNoBucket is returned when an archiver is created without a bucket.
var ErrNoBucket = errors.New("archive: bucket is required")

// Recording is the archived form of one finished run.
type Recording struct {
	RunID         string           `json:"run_id"`
	BookID        string           `json:"book_id"`
	PlayerID      string           `json:"player_id,omitempty"`
	Reason        string           `json:"reason"`
	Score         int              `json:"score"`
	Tier          string           `json:"tier"`
	Reward        decimal.Decimal  `json:"reward"`
	Breakdown     engine.Breakdown `json:"breakdown"`
	Path          engine.Polyline  `json:"path"`
	EngineVersion string           `json:"engine_version"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// ObjectAPI is the subset of the S3 client the archiver uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archiver stores recordings as JSON objects under Prefix.
type S3Archiver struct {
	Client ObjectAPI
	Bucket string
	Prefix string
}

// NewS3 loads the default AWS configuration (environment, shared config,
// instance role) and returns an archiver for bucket.
func NewS3(ctx context.Context, bucket, region, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, ErrNoBucket
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return &S3Archiver{
		Client: s3.NewFromConfig(cfg),
		Bucket: bucket,
		Prefix: prefix,
	}, nil
}

// Key returns the object key for a run.
func (a *S3Archiver) Key(runID string) string {
	return path.Join(strings.Trim(a.Prefix, "/"), runID+".json")
}

// Archive uploads rec and returns its object key.
func (a *S3Archiver) Archive(ctx context.Context, rec Recording) (string, error) {
	if rec.RunID == "" {
		return "", fmt.Errorf("archive: recording has no run id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("archive: encode recording: %w", err)
	}

	key := a.Key(rec.RunID)
	_, err = a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"book":  rec.BookID,
			"score": fmt.Sprint(rec.Score),
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

// Load fetches and decodes the recording stored at key.
func (a *S3Archiver) Load(ctx context.Context, key string) (*Recording, error) {
	out, err := a.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	var rec Recording
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", key, err)
	}
	return &rec, nil
}
