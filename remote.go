package rxbind

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Config holds the S3 settings used by Dump and Restore
type s3Config struct {
	accessKey string
	secretKey string
	region    string
	endpoint  string // S3-compatible services only
}

type urlScheme string

const (
	schemeFile  urlScheme = "file"
	schemeS3    urlScheme = "s3"
	schemeHTTP  urlScheme = "http"
	schemeHTTPS urlScheme = "https"
	schemeLocal urlScheme = "local"
)

func detectScheme(location string) urlScheme {
	lower := strings.ToLower(location)
	switch {
	case strings.HasPrefix(lower, "s3://"):
		return schemeS3
	case strings.HasPrefix(lower, "https://"):
		return schemeHTTPS
	case strings.HasPrefix(lower, "http://"):
		return schemeHTTP
	case strings.HasPrefix(lower, "file://"):
		return schemeFile
	case strings.Contains(lower, "://"):
		return ""
	default:
		return schemeLocal
	}
}

func unsupportedLocation(location string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDumpURL, location)
}

// openReader opens a dump location for reading
func openReader(ctx context.Context, location string, cfg *s3Config) (io.ReadCloser, error) {
	switch detectScheme(location) {
	case schemeLocal:
		return osOpen(location)
	case schemeFile:
		return osOpen(strings.TrimPrefix(location, "file://"))
	case schemeHTTP, schemeHTTPS:
		return openHTTPReader(ctx, location)
	case schemeS3:
		return openS3Reader(ctx, location, cfg)
	default:
		return nil, unsupportedLocation(location)
	}
}

// openWriter opens a dump location for writing. HTTP locations are read only.
func openWriter(ctx context.Context, location string, cfg *s3Config) (io.WriteCloser, error) {
	switch detectScheme(location) {
	case schemeLocal:
		return osCreate(location)
	case schemeFile:
		return osCreate(strings.TrimPrefix(location, "file://"))
	case schemeS3:
		return openS3Writer(ctx, location, cfg)
	default:
		return nil, unsupportedLocation(location)
	}
}

func openHTTPReader(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP request returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// parseS3URL splits s3://bucket/key
func parseS3URL(url string) (bucket, key string, err error) {
	parts := strings.SplitN(url[len("s3://"):], "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid S3 URL: %s", url)
	}
	return parts[0], parts[1], nil
}

func newS3Client(ctx context.Context, cfg *s3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg != nil && cfg.region != "" {
		opts = append(opts, config.WithRegion(cfg.region))
	}
	if cfg != nil && cfg.accessKey != "" && cfg.secretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.accessKey, cfg.secretKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg != nil && cfg.endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, clientOpts...), nil
}

func openS3Reader(ctx context.Context, url string, cfg *s3Config) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get S3 object: %w", err)
	}
	return resp.Body, nil
}

// s3Writer buffers a dump and uploads it on Close
type s3Writer struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	return w.buf.Write(p)
}

func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, err := w.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func openS3Writer(ctx context.Context, url string, cfg *s3Config) (io.WriteCloser, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &s3Writer{ctx: ctx, client: client, bucket: bucket, key: key}, nil
}

// swapped in tests
var osOpen = func(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

var osCreate = func(path string) (io.WriteCloser, error) {
	return os.Create(path)
}
