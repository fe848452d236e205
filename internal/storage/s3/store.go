// Package s3 stores media in an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/kiranshivaraju/dubhub/internal/config"
	"github.com/kiranshivaraju/dubhub/internal/storage"
)

// ErrObjectNotFound is returned by PublicURL for keys with no object.
var ErrObjectNotFound = errors.New("object not found")

// Store is a storage.VideoStore backed by one bucket. PublicURL returns
// presigned GET URLs valid for ttl.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	baseURL string
	ttl     time.Duration
}

// New builds an S3 client from cfg. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies. A custom
// endpoint switches to path-style addressing for MinIO and similar servers.
func New(ctx context.Context, cfg config.S3Config, ttl time.Duration) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey,
			},
		}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	baseURL := fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	if cfg.Endpoint != "" {
		baseURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		ttl:     ttl,
	}, nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Put spools r to a temp file first: request signing needs a seekable body
// with a known length.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}

	spool, err := os.CreateTemp("", "dubhub-s3-*")
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, r)
	if err != nil {
		return "", fmt.Errorf("spooling %s: %w", key, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding spool: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", classify(ctx, err)
	}
	return s.objectURL(key), nil
}

func (s *Store) PublicURL(ctx context.Context, key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return "", classify(ctx, err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if err := storage.ValidateKey(prefix); err != nil {
		return err
	}

	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return classify(ctx, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return classify(ctx, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("%w: deleting %s: %s", storage.ErrUnavailable, aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

func (s *Store) objectURL(key string) string {
	return s.baseURL + "/" + (&url.URL{Path: key}).EscapedPath()
}

// classify keeps request rejections distinct from backend outages.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %s: %s", storage.ErrUnavailable, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return fmt.Errorf("s3 request rejected: %w", err)
	}
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

// Compile-time check that Store implements storage.VideoStore.
var _ storage.VideoStore = (*Store)(nil)
