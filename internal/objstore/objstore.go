// Package objstore is a thin client over S3-compatible object storage.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidURL = errors.New("invalid object URL")
)

// Scheme is the URL scheme of object locations.
const Scheme = "s3://"

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type Client struct {
	client *minio.Client
	region string
	log    *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("objstore: endpoint is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &Client{client: mc, region: cfg.Region, log: log.With("endpoint", cfg.Endpoint)}, nil
}

// Minio exposes the underlying client for notification listeners.
func (c *Client) Minio() *minio.Client { return c.client }

// EnsureBucket creates bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("error checking bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	c.log.Info("Created bucket", "bucket", bucket)
	return nil
}

// List returns all objects below prefix, sorted by key.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

// Exists reports whether an object exists.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
}

// Open streams an object. A missing object yields ErrNotFound.
func (c *Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

// Download writes an object to a local file.
func (c *Client) Download(ctx context.Context, bucket, key, dst string) error {
	if err := c.client.FGetObject(ctx, bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Put uploads an object.
func (c *Client) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := c.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// Location is a bucket plus key, written s3://bucket/key.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return Scheme + l.Bucket + "/" + l.Key
}

// ParseURL parses s3://bucket/key.
func ParseURL(u string) (Location, error) {
	rest, ok := strings.CutPrefix(u, Scheme)
	if !ok {
		return Location{}, fmt.Errorf("%w: %q must start with %s", ErrInvalidURL, u, Scheme)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidURL, u)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Glob is a bucket plus a key pattern in path.Match syntax.
type Glob struct {
	Bucket  string
	Pattern string
}

// ParseGlob parses s3://bucket/pattern.
func ParseGlob(u string) (Glob, error) {
	loc, err := ParseURL(u)
	if err != nil {
		return Glob{}, err
	}
	if _, err := path.Match(loc.Key, ""); err != nil {
		return Glob{}, fmt.Errorf("%w: %q: %w", ErrInvalidURL, u, err)
	}
	return Glob{Bucket: loc.Bucket, Pattern: loc.Key}, nil
}

// Prefix is the literal part of the pattern before the first wildcard.
func (g Glob) Prefix() string {
	if i := strings.IndexAny(g.Pattern, "*?[\\"); i >= 0 {
		return g.Pattern[:i]
	}
	return g.Pattern
}

// Match reports whether key matches the pattern.
func (g Glob) Match(key string) bool {
	ok, _ := path.Match(g.Pattern, key)
	return ok
}

func (g Glob) String() string {
	return Scheme + g.Bucket + "/" + g.Pattern
}

// Lister lists objects; *Client implements it.
type Lister interface {
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// Expand lists the objects matching g.
func Expand(ctx context.Context, l Lister, g Glob) ([]ObjectInfo, error) {
	objs, err := l.List(ctx, g.Bucket, g.Prefix())
	if err != nil {
		return nil, err
	}
	var out []ObjectInfo
	for _, o := range objs {
		if g.Match(o.Key) {
			out = append(out, o)
		}
	}
	return out, nil
}
