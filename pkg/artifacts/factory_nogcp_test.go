//go:build !gcp

package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStoreFromEnv_GCSNotCompiled(t *testing.T) {
	t.Setenv("KAPSULE_ARTIFACT_STORE", "gcs")
	t.Setenv("KAPSULE_GCS_BUCKET", "kapsules")
	_, err := NewStoreFromEnv(context.Background())
	assert.ErrorIs(t, err, ErrGCSUnavailable)
}
