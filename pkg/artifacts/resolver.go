package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ObjectReader reads a named object from a bucket. S3Store and GCSStore
// implement it.
type ObjectReader interface {
	Object(ctx context.Context, bucket, key string, limit int64) ([]byte, error)
}

// Resolver fetches artifacts by location:
//
//	sha256:<hex>           content-addressed store
//	s3://bucket/key        S3
//	gs://bucket/object     Cloud Storage
//	file:///path, or path  local file
//
// Compressed artifacts (.zst, .lz4, or zstd/lz4 frame magic) are
// decompressed transparently.
type Resolver struct {
	store    Store
	s3       ObjectReader
	gcs      ObjectReader
	maxBytes int64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

func WithStore(s Store) ResolverOption      { return func(r *Resolver) { r.store = s } }
func WithS3(o ObjectReader) ResolverOption  { return func(r *Resolver) { r.s3 = o } }
func WithGCS(o ObjectReader) ResolverOption { return func(r *Resolver) { r.gcs = o } }
func WithMaxBytes(n int64) ResolverOption   { return func(r *Resolver) { r.maxBytes = n } }

// NewResolver returns a Resolver. Without options only local files resolve.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch returns the decompressed bytes at location.
func (r *Resolver) Fetch(ctx context.Context, location string) ([]byte, error) {
	raw, name, err := r.fetchRaw(ctx, location)
	if err != nil {
		return nil, err
	}
	out, err := Decompress(DetectCodec(name, raw), raw, r.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return out, nil
}

func (r *Resolver) fetchRaw(ctx context.Context, location string) ([]byte, string, error) {
	if strings.HasPrefix(location, refPrefix) {
		if r.store == nil {
			return nil, "", fmt.Errorf("artifacts: no store configured for %s", location)
		}
		data, err := r.store.Get(ctx, location)
		return data, "", err
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path; single-letter schemes are Windows drive letters.
		data, err := r.readFile(location)
		return data, location, err
	}
	key := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "file":
		data, err := r.readFile(u.Path)
		return data, u.Path, err
	case "s3":
		if r.s3 == nil {
			return nil, "", fmt.Errorf("artifacts: S3 is not configured for %s", location)
		}
		data, err := r.s3.Object(ctx, u.Host, key, r.rawLimit())
		return data, key, err
	case "gs":
		if r.gcs == nil {
			return nil, "", fmt.Errorf("artifacts: GCS is not configured for %s", location)
		}
		data, err := r.gcs.Object(ctx, u.Host, key, r.rawLimit())
		return data, key, err
	}
	return nil, "", fmt.Errorf("artifacts: unsupported location scheme %q", u.Scheme)
}

// rawLimit bounds reads before decompression, with slack for framing.
func (r *Resolver) rawLimit() int64 {
	if r.maxBytes <= 0 {
		return 0
	}
	return r.maxBytes + 64<<10
}

func (r *Resolver) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	defer f.Close()
	data, err := readLimited(f, r.rawLimit())
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", path, err)
	}
	return data, nil
}
