// internal/origin/s3.go
// S3-backed origin transport. An origin whose domain carries the s3://
// scheme is read through the AWS SDK instead of HTTP, with the bucket taken
// from the domain and the object key joined under the base path.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/metrics"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

// s3Scheme marks an origin domain as bucket-backed, e.g. "s3://assets-prod".
const s3Scheme = "s3://"

// IsS3Origin reports whether the origin addresses an S3 bucket.
func IsS3Origin(origin model.Origin) bool {
	return strings.HasPrefix(origin.Domain, s3Scheme)
}

// S3Fetcher fetches sources from S3-compatible object storage.
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher creates an S3 fetcher. It supports both AWS S3 and
// S3-compatible services like MinIO via a custom endpoint.
func NewS3Fetcher(ctx context.Context, endpoint, region, accessKey, secretKey string) (*S3Fetcher, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing is required for MinIO and similar services.
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Fetcher{client: client}, nil
}

// Fetch retrieves an object from the origin's bucket. Missing objects and
// missing buckets both report the source as not found; credential failures
// surface as access denied.
func (f *S3Fetcher) Fetch(ctx context.Context, origin model.Origin, key string) (*Result, error) {
	bucket := strings.TrimPrefix(origin.Domain, s3Scheme)
	objectKey := strings.TrimPrefix(joinKey(origin.BasePath, key), "/")

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx, origin, key)
		}
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "source %q not found in bucket %s", objectKey, bucket)
		}
		if strings.Contains(err.Error(), "AccessDenied") {
			return nil, errordefs.Newf(errordefs.IMG_ACCESS_DENIED, "bucket %s denied access to %q", bucket, objectKey)
		}
		return nil, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "fetching %q from bucket %s: %v", objectKey, bucket, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxSourceBytes+1))
	if err != nil {
		return nil, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "reading %q from bucket %s: %v", objectKey, bucket, err)
	}
	if len(body) > maxSourceBytes {
		return nil, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "source %q in bucket %s exceeds size limit", objectKey, bucket)
	}

	res := &Result{Body: body}
	if out.ContentType != nil {
		res.ContentType = *out.ContentType
	}
	if out.CacheControl != nil {
		res.CacheControl = *out.CacheControl
	}
	return res, nil
}

// Router dispatches each fetch to the transport matching the origin's
// addressing scheme. A nil s3 member routes bucket origins to an error
// instead of panicking, for deployments without object storage configured.
type Router struct {
	HTTP Fetcher
	S3   Fetcher
}

// Fetch picks the transport for the origin and delegates.
func (r *Router) Fetch(ctx context.Context, origin model.Origin, key string) (*Result, error) {
	start := time.Now()
	res, err := r.dispatch(ctx, origin, key)

	status := "ok"
	if err != nil {
		status = "error"
	}
	m := metrics.NewMetrics()
	m.OriginFetchTotal.WithLabelValues(origin.Name, status).Inc()
	m.OriginFetchDuration.WithLabelValues(origin.Name, status).Observe(time.Since(start).Seconds())

	return res, err
}

func (r *Router) dispatch(ctx context.Context, origin model.Origin, key string) (*Result, error) {
	if IsS3Origin(origin) {
		if r.S3 == nil {
			return nil, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "origin %s requires object storage, which is not configured", origin.Name)
		}
		return r.S3.Fetch(ctx, origin, key)
	}
	return r.HTTP.Fetch(ctx, origin, key)
}

func joinKey(basePath, key string) string {
	basePath = strings.Trim(basePath, "/")
	key = strings.TrimPrefix(key, "/")
	if basePath == "" {
		return key
	}
	return basePath + "/" + key
}
