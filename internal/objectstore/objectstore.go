// Package objectstore wraps the S3-compatible object store pipelines read
// landing-zone data from and write Iceberg data files to. Clients are
// cached by credential set with a TTL shorter than a typical STS token
// lifetime, so per-run credential overrides each get their own client
// and no client outlives its token's expected validity window.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/brinkfield/lakeforge/internal/config"
)

// clientTTL is intentionally shorter than the typical 1-hour STS token
// lifetime so a cached client is never used past its credentials'
// expected validity window.
const clientTTL = 45 * time.Minute

// Client is the subset of S3 operations pipelines and maintenance need.
type Client struct {
	s3     *s3.Client
	bucket string
}

// Cache caches Clients by S3Config.CredentialKey for clientTTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	client    *Client
	expiresAt time.Time
}

// NewCache returns an empty client cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns a cached client for cfg's credentials, building and caching
// a new one if absent or expired.
func (c *Cache) Get(ctx context.Context, cfg config.S3Config) (*Client, error) {
	key := cfg.CredentialKey()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.client, nil
	}
	c.mu.Unlock()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{client: client, expiresAt: time.Now().Add(clientTTL)}
	c.mu.Unlock()
	return client, nil
}

func newClient(ctx context.Context, cfg config.S3Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{s3: s3Client, bucket: cfg.Bucket}, nil
}

// GetObjectText reads an object and returns its contents as a string.
// Returns (nil, nil) when the key does not exist.
func (c *Client) GetObjectText(ctx context.Context, key string) (*string, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	buf := new(strings.Builder)
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	text := buf.String()
	return &text, nil
}

// GetObjectTextVersion reads a specific version of an object, for
// reading a published (pinned) pipeline version instead of HEAD.
func (c *Client) GetObjectTextVersion(ctx context.Context, key, versionID string) (*string, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket:    aws.String(c.bucket),
		Key:       aws.String(key),
		VersionId: aws.String(versionID),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object %s@%s: %w", key, versionID, err)
	}
	defer out.Body.Close()

	buf := new(strings.Builder)
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, fmt.Errorf("read object %s@%s: %w", key, versionID, err)
	}
	text := buf.String()
	return &text, nil
}

// ListKeys lists all object keys under prefix, paginating transparently.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list keys %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// MoveKeys copies each key from its current location under srcPrefix to
// the corresponding path under dstPrefix and deletes the original. Used
// to archive landing-zone files into _processed/{run_id}/ after a
// successful run.
func (c *Client) MoveKeys(ctx context.Context, keys []string, srcPrefix, dstPrefix string) error {
	for _, key := range keys {
		if !strings.HasPrefix(key, srcPrefix) {
			continue
		}
		rel := strings.TrimPrefix(key, srcPrefix)
		dstKey := dstPrefix + rel

		if _, err := c.s3.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(c.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(c.bucket + "/" + key),
		}); err != nil {
			return fmt.Errorf("copy %s to %s: %w", key, dstKey, err)
		}
		if _, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("delete %s after archive: %w", key, err)
		}
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string { return c.bucket }

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}
