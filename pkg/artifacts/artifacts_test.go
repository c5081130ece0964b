package artifacts

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var blob = []byte("\x00asm\x01\x00\x00\x00 kapsule bytecode")

func testStores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"file": fs, "memory": NewMemoryStore()}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := s.Put(ctx, blob)
			require.NoError(t, err)
			assert.Equal(t, Ref(blob), ref)
			assert.True(t, strings.HasPrefix(ref, "sha256:"))

			again, err := s.Put(ctx, blob)
			require.NoError(t, err)
			assert.Equal(t, ref, again, "put is idempotent")

			ok, err := s.Exists(ctx, ref)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, blob, got)

			require.NoError(t, s.Delete(ctx, ref))
			require.NoError(t, s.Delete(ctx, ref), "deleting twice is fine")
			_, err = s.Get(ctx, ref)
			assert.ErrorIs(t, err, ErrNotFound)
			ok, err = s.Exists(ctx, ref)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_InvalidRef(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, ref := range []string{"", "md5:abcd", "sha256:xyz", "sha256:abcd", "../../etc/passwd"} {
				_, err := s.Get(ctx, ref)
				assert.ErrorIs(t, err, ErrInvalidRef, ref)
				_, err = s.Exists(ctx, ref)
				assert.ErrorIs(t, err, ErrInvalidRef, ref)
				assert.ErrorIs(t, s.Delete(ctx, ref), ErrInvalidRef, ref)
			}
		})
	}
}

func TestFileStore_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Put(ctx, blob)
	require.NoError(t, err)
	path := filepath.Join(dir, strings.TrimPrefix(ref, "sha256:")+".blob")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o600))

	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	data := bytes.Clone(blob)
	ref, err := s.Put(ctx, data)
	require.NoError(t, err)
	data[0] = 0xff

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	got[1] = 0xff

	again, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, blob, again)
}

func TestCompress_RoundTrip(t *testing.T) {
	data := bytes.Repeat(blob, 100)
	for _, c := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		t.Run(string(c), func(t *testing.T) {
			packed, err := Compress(c, data)
			require.NoError(t, err)
			assert.Equal(t, c, DetectCodec("", packed))

			out, err := Decompress(c, packed, 0)
			require.NoError(t, err)
			assert.Equal(t, data, out)

			_, err = Decompress(c, packed, int64(len(data)-1))
			assert.ErrorIs(t, err, ErrTooLarge)
		})
	}
}

func TestDetectCodec_Suffix(t *testing.T) {
	assert.Equal(t, CodecZstd, DetectCodec("calc.wasm.zst", nil))
	assert.Equal(t, CodecZstd, DetectCodec("calc.wasm.ZSTD", nil))
	assert.Equal(t, CodecLZ4, DetectCodec("calc.wasm.lz4", nil))
	assert.Equal(t, CodecNone, DetectCodec("calc.wasm", blob))

	assert.Equal(t, "calc.wasm", TrimCodecSuffix("calc.wasm.zst"))
	assert.Equal(t, "calc.wasm", TrimCodecSuffix("calc.wasm"))
}

func TestDecompress_Garbage(t *testing.T) {
	_, err := Decompress(CodecZstd, []byte("not zstd at all"), 0)
	assert.Error(t, err)
	_, err = Decompress("brotli", blob, 0)
	assert.Error(t, err)
}

type fakeBucket map[string][]byte

func (f fakeBucket) Object(_ context.Context, bucket, key string, limit int64) ([]byte, error) {
	data, ok := f[bucket+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

func TestResolver_Fetch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	plain := filepath.Join(dir, "calc.wasm")
	require.NoError(t, os.WriteFile(plain, blob, 0o600))
	packed, err := Compress(CodecZstd, blob)
	require.NoError(t, err)
	zst := filepath.Join(dir, "calc.wasm.zst")
	require.NoError(t, os.WriteFile(zst, packed, 0o600))

	store := NewMemoryStore()
	lz, err := Compress(CodecLZ4, blob)
	require.NoError(t, err)
	ref, err := store.Put(ctx, lz)
	require.NoError(t, err)

	r := NewResolver(
		WithStore(store),
		WithS3(fakeBucket{"kapsules/calc.wasm.zst": packed}),
		WithGCS(fakeBucket{"kapsules/calc.wasm": blob}),
	)
	for _, loc := range []string{
		plain,
		zst,
		"file://" + zst,
		ref,
		"s3://kapsules/calc.wasm.zst",
		"gs://kapsules/calc.wasm",
	} {
		got, err := r.Fetch(ctx, loc)
		require.NoError(t, err, loc)
		assert.Equal(t, blob, got, loc)
	}

	_, err = r.Fetch(ctx, "s3://kapsules/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Fetch(ctx, "ftp://host/calc.wasm")
	assert.Error(t, err)
	_, err = r.Fetch(ctx, filepath.Join(dir, "missing.wasm"))
	assert.Error(t, err)
}

func TestResolver_Unconfigured(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	for _, loc := range []string{Ref(blob), "s3://b/k", "gs://b/k"} {
		_, err := r.Fetch(ctx, loc)
		assert.Error(t, err, loc)
	}
}

func TestResolver_MaxBytes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	big := bytes.Repeat([]byte{0}, 4096)
	packed, err := Compress(CodecZstd, big)
	require.NoError(t, err)
	path := filepath.Join(dir, "big.wasm.zst")
	require.NoError(t, os.WriteFile(path, packed, 0o600))

	_, err = NewResolver(WithMaxBytes(1024)).Fetch(ctx, path)
	assert.ErrorIs(t, err, ErrTooLarge, "limit applies after decompression")

	got, err := NewResolver(WithMaxBytes(8192)).Fetch(ctx, path)
	require.NoError(t, err)
	assert.Len(t, got, 4096)
}

func TestNewStoreFromEnv(t *testing.T) {
	ctx := context.Background()

	t.Run("default fs", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("KAPSULE_ARTIFACT_STORE", "")
		t.Setenv("KAPSULE_DATA_DIR", dir)
		s, err := NewStoreFromEnv(ctx)
		require.NoError(t, err)
		require.IsType(t, &FileStore{}, s)
		assert.DirExists(t, filepath.Join(dir, "artifacts"))
	})

	t.Run("memory", func(t *testing.T) {
		t.Setenv("KAPSULE_ARTIFACT_STORE", "memory")
		s, err := NewStoreFromEnv(ctx)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("s3 needs bucket", func(t *testing.T) {
		t.Setenv("KAPSULE_ARTIFACT_STORE", "s3")
		t.Setenv("KAPSULE_S3_BUCKET", "")
		_, err := NewStoreFromEnv(ctx)
		assert.ErrorContains(t, err, "KAPSULE_S3_BUCKET")
	})

	t.Run("unsupported", func(t *testing.T) {
		t.Setenv("KAPSULE_ARTIFACT_STORE", "tape")
		_, err := NewStoreFromEnv(ctx)
		assert.ErrorContains(t, err, "unsupported")
	})
}

func TestS3ConfigFromEnv_Region(t *testing.T) {
	t.Setenv("KAPSULE_S3_BUCKET", "kapsules")
	t.Setenv("KAPSULE_S3_REGION", "")
	t.Setenv("AWS_REGION", "")
	cfg, err := s3ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)

	t.Setenv("AWS_REGION", "eu-west-1")
	cfg, err = s3ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)

	t.Setenv("KAPSULE_S3_REGION", "ap-south-1")
	t.Setenv("KAPSULE_S3_ENDPOINT", "http://minio:9000")
	cfg, err = s3ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "ap-south-1", cfg.Region)
	assert.Equal(t, "http://minio:9000", cfg.Endpoint)
}
