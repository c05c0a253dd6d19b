// Package blob mirrors listing photos into an S3-compatible store (MinIO in
// production). Keys are {articulum_id}/{avito_item_id}/{n}.jpg.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
	"github.com/zamer-sys/avito-articulum-parser/internal/util"
)

const maxImagesPerListing = 5

type Uploader struct {
	client     *s3.Client
	bucket     string
	httpClient *http.Client
}

// NewUploader builds an uploader from config. Returns nil (not an error) when
// image collection is disabled or the endpoint is not configured: callers
// treat a nil uploader as "skip images".
func NewUploader(ctx context.Context, config *util.Config) (*Uploader, error) {
	if !config.CollectImages.Bool() || config.S3Endpoint.Value == "" {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.S3AccessKey.Value, config.S3SecretKey.Value, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	endpoint := config.S3Endpoint.Value
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		// MinIO wants path-style addressing
		o.UsePathStyle = true
	})

	return &Uploader{
		client:     client,
		bucket:     config.S3Bucket.Value,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// MirrorListingImages downloads up to maxImagesPerListing photos and puts
// them under the listing's key prefix. A single failed image is skipped, not
// fatal; the returned keys are the ones actually stored.
func (u *Uploader) MirrorListingImages(ctx context.Context, articulumId int64, avitoItemId string, urls []string) []string {
	if u == nil || len(urls) == 0 {
		return nil
	}

	logger := log.GetLogger().WithField("ItemId", avitoItemId)

	var keys []string
	for n, url := range urls {
		if n >= maxImagesPerListing {
			break
		}

		key := fmt.Sprintf("%d/%s/%d.jpg", articulumId, avitoItemId, n)
		if err := u.mirror(ctx, url, key); err != nil {
			logger.WithError(err).WithField("Url", url).Warn("failed to mirror listing image")
			continue
		}

		keys = append(keys, key)
	}

	return keys
}

func (u *Uploader) mirror(ctx context.Context, url, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image fetch returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}

	return u.Put(ctx, key, body, resp.Header.Get("Content-Type"))
}

func (u *Uploader) Put(ctx context.Context, key string, body []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	_, err := u.client.PutObject(ctx, in)
	return err
}

// Exists reports whether the key is already stored. Any head failure counts
// as missing.
func (u *Uploader) Exists(ctx context.Context, key string) bool {
	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})

	return err == nil
}

func (u *Uploader) Delete(ctx context.Context, key string) error {
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})

	return err
}
