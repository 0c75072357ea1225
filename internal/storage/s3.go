package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"mailer-service/internal/config"
	"mailer-service/internal/util"
)

var (
	ErrFetchFailed  = errors.New("failed to retrieve file from storage")
	ErrUploadFailed = errors.New("failed to upload file to storage")
	ErrInvalidURL   = errors.New("object url does not belong to the configured bucket")
)

const (
	resumePrefix  = "resume/"
	pdfType       = "application/pdf"
	uploadTimeout = 30 * time.Second
)

// S3Client is the subset of the S3 API used here.
type S3Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3aws.GetObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error)
}

// S3Storage stores resumes and downloads them into transient local files.
type S3Storage struct {
	client         S3Client
	bucket         string
	region         string
	endpoint       string
	forcePathStyle bool
	downloadDir    string
	logger         *zap.Logger
}

func NewS3Storage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*S3Storage, error) {
	s3cfg := cfg.S3
	if s3cfg.Bucket == "" || s3cfg.Region == "" {
		return nil, errors.New("S3_BUCKET and S3_REGION are required")
	}

	awsOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s3cfg.Region),
	}
	// Static credentials when provided, otherwise the default chain (IAM role, env).
	if s3cfg.AccessKeyID != "" && s3cfg.SecretKey != "" {
		awsOptions = append(awsOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3aws.NewFromConfig(awsCfg, func(o *s3aws.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.ForcePathStyle
	})

	logger.Info("S3 storage initialized",
		zap.String("bucket", s3cfg.Bucket),
		zap.String("region", s3cfg.Region),
		zap.Bool("custom_endpoint", s3cfg.Endpoint != ""),
	)
	return NewS3StorageWithClient(client, s3cfg, logger), nil
}

func NewS3StorageWithClient(client S3Client, cfg config.S3Config, logger *zap.Logger) *S3Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := cfg.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	return &S3Storage{
		client:         client,
		bucket:         cfg.Bucket,
		region:         cfg.Region,
		endpoint:       cfg.Endpoint,
		forcePathStyle: cfg.ForcePathStyle,
		downloadDir:    dir,
		logger:         logger,
	}
}

// ResumeKey is the object key of a user's resume.
func ResumeKey(uid int64, name string) string {
	return resumePrefix + strconv.FormatInt(uid, 10) + "_" + util.SanitizeFilename(name) + ".pdf"
}

// StoreResume uploads a PDF under resume/{uid}_{name}.pdf and returns its URL.
func (s *S3Storage) StoreResume(ctx context.Context, uid int64, name string, body io.Reader, size int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	key := ResumeKey(uid, name)
	_, err := s.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(pdfType),
	})
	if err != nil {
		s.logger.Error("Resume upload failed", zap.Int64("uid", uid), zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return s.URL(key), nil
}

// Fetch downloads objectURL into a fresh directory under the download dir and
// returns the local path. The file keeps the object's base name.
func (s *S3Storage) Fetch(ctx context.Context, objectURL string) (string, error) {
	key, err := s.KeyFromURL(objectURL)
	if err != nil {
		return "", err
	}

	out, err := s.client.GetObject(ctx, &s3aws.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(s.downloadDir, 0o750); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	dir, err := os.MkdirTemp(s.downloadDir, "fetch-")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	local := filepath.Join(dir, path.Base(key))
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if err := f.Close(); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return local, nil
}

// Release removes a file returned by Fetch together with its directory.
func (s *S3Storage) Release(local string) error {
	dir := filepath.Dir(local)
	if rel, err := filepath.Rel(s.downloadDir, dir); err != nil || strings.HasPrefix(rel, "..") || rel == "." {
		return os.Remove(local)
	}
	return os.RemoveAll(dir)
}

// URL returns the public URL for key.
func (s *S3Storage) URL(key string) string {
	key = strings.TrimPrefix(key, "/")

	if s.endpoint != "" {
		endpoint := strings.TrimSuffix(s.endpoint, "/")
		protocol := "https://"
		if after, ok := strings.CutPrefix(endpoint, "http://"); ok {
			protocol = "http://"
			endpoint = after
		} else if after, ok := strings.CutPrefix(endpoint, "https://"); ok {
			endpoint = after
		}
		if s.forcePathStyle {
			return fmt.Sprintf("%s%s/%s/%s", protocol, endpoint, s.bucket, key)
		}
		return fmt.Sprintf("%s%s.%s/%s", protocol, s.bucket, endpoint, key)
	}

	if s.forcePathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.region, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// KeyFromURL inverts URL for both path-style and virtual-hosted URLs.
func (s *S3Storage) KeyFromURL(objectURL string) (string, error) {
	u, err := url.Parse(objectURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, objectURL)
	}
	p := strings.TrimPrefix(u.Path, "/")

	var key string
	if strings.HasPrefix(u.Host, s.bucket+".") {
		key = p
	} else if after, ok := strings.CutPrefix(p, s.bucket+"/"); ok {
		key = after
	}
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, objectURL)
	}
	return key, nil
}
