package fetch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/types"
)

// S3Options configures an S3Loader
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Loader loads segments addressed as s3://bucket/key
type S3Loader struct {
	client *s3.Client
	logger logger.Logger
}

// NewS3Loader creates an S3 loader. Static credentials are used when both
// keys are set, the default credential chain otherwise.
func NewS3Loader(ctx context.Context, opts S3Options, log logger.Logger) (*S3Loader, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		// Retries are owned by the Fetcher.
		awsconfig.WithRetryMaxAttempts(1),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to load AWS config", err).AsFatal()
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		// For S3-compatible services like MinIO
		o.UsePathStyle = true
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return &S3Loader{
		client: client,
		logger: logger.OrDefault(log).With(logger.Component("s3-loader")),
	}, nil
}

// Load downloads the object named by segment.URL
func (l *S3Loader) Load(ctx context.Context, segment types.Segment) ([]byte, error) {
	bucket, key, err := parseS3URL(segment.URL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid segment url", err).AsFatal()
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if segment.Range != nil {
		input.Range = aws.String(rangeHeader(segment.Range))
	}

	result, err := l.client.GetObject(ctx, input)
	if err != nil {
		if isNotFoundError(err) {
			return nil, errors.Wrap(errors.ErrCodeSegmentNotFound, "segment not found: "+segment.ID, err)
		}
		return nil, errors.NewNetworkError("failed to get S3 object", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.NewNetworkError("failed to read S3 object", err)
	}

	l.logger.Debug("S3 segment loaded",
		logger.String("bucket", bucket),
		logger.String("key", key),
		logger.Int("size", len(data)),
	)
	return data, nil
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url needs a bucket and a key: %s", raw)
	}
	return u.Host, key, nil
}

// isNotFoundError checks if an error is a "not found" error
func isNotFoundError(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"
	}
	return false
}
