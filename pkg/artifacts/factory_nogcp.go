//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

// ErrGCSUnavailable is returned for KAPSULE_ARTIFACT_STORE=gcs in builds
// without the gcp tag.
var ErrGCSUnavailable = errors.New("artifacts: gcs store not compiled in (build with -tags gcp)")

func newGCSStoreFromEnv(context.Context) (Store, error) {
	return nil, ErrGCSUnavailable
}
