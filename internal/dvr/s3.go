// Package dvr archives completed source segments into S3-compatible object
// storage and reports the permanent URL and playback duration of each.
package dvr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ErrDisabled is returned by Disabled.Upload.
var ErrDisabled = errors.New("dvr store not configured")

// Result describes an archived segment.
type Result struct {
	URL             string
	DurationSeconds float64
}

// Store persists a segment reachable at source and returns where it lives now.
type Store interface {
	Upload(ctx context.Context, source string) (Result, error)
}

// Disabled rejects every upload.
type Disabled struct{}

func (Disabled) Upload(context.Context, string) (Result, error) {
	return Result{}, ErrDisabled
}

// S3Config holds the object storage settings.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// Endpoint overrides the S3 service URL for MinIO and friends.
	Endpoint string
	// PublicBaseURL is prefixed to object keys to build playback URLs. When
	// empty the virtual-hosted AWS URL is used.
	PublicBaseURL string
	FetchTimeout  time.Duration
	ProbeTimeout  time.Duration
	FFProbePath   string
}

// Enabled reports whether a bucket was configured.
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store downloads a segment, probes its duration and uploads it.
type S3Store struct {
	cfg      S3Config
	uploader objectUploader
	probe    ProbeFunc
	client   *http.Client
	logger   *slog.Logger
	newKey   func() string
}

// NewS3Store creates an S3 uploader using static credentials when set and the
// default AWS credential chain otherwise.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if !cfg.Enabled() {
		return nil, errors.New("dvr bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	} else {
		logger.Warn("dvr store using default AWS credential chain")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})
	return newS3Store(cfg, uploader, FFProbe(cfg.FFProbePath, cfg.ProbeTimeout), nil, logger), nil
}

func newS3Store(cfg S3Config, uploader objectUploader, probe ProbeFunc, client *http.Client, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	return &S3Store{
		cfg:      cfg,
		uploader: uploader,
		probe:    probe,
		client:   client,
		logger:   logger.With("component", "dvr"),
		newKey:   func() string { return uuid.NewString() + ".mp4" },
	}
}

// Upload fetches source, measures it and stores it under a fresh key.
func (s *S3Store) Upload(ctx context.Context, source string) (Result, error) {
	tmp, err := os.CreateTemp("", "paystream-dvr-*.ts")
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := s.fetch(ctx, source, tmp); err != nil {
		return Result{}, err
	}
	duration, err := s.probe(ctx, tmp.Name())
	if err != nil {
		return Result{}, fmt.Errorf("probe segment: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("rewind segment: %w", err)
	}

	key := s.newKey()
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        tmp,
		ContentType: aws.String("video/mp4"),
	}); err != nil {
		return Result{}, fmt.Errorf("upload segment: %w", err)
	}
	url := s.PublicObjectURL(key)
	s.logger.Debug("segment archived", "source", source, "url", url, "duration", duration)
	return Result{URL: url, DurationSeconds: duration}, nil
}

func (s *S3Store) fetch(ctx context.Context, source string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("build segment request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch segment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch segment: %s", resp.Status)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("download segment: %w", err)
	}
	return nil
}

// PublicObjectURL returns the public URL for an object key.
func (s *S3Store) PublicObjectURL(key string) string {
	if base := strings.TrimRight(strings.TrimSpace(s.cfg.PublicBaseURL), "/"); base != "" {
		return base + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}
