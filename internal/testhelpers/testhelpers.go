// Package testhelpers provides shared test fixtures: a temp-dir cache
// manager and fake portal servers speaking just enough of the CKAN and
// ArcGIS Hub wire formats for client tests.
package testhelpers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/godata/internal/cache"
	"github.com/jonesrussell/godata/internal/logger"
)

// NewTempCache opens a cache manager backed by a temp-dir sqlite file that
// is cleaned up with the test.
func NewTempCache(t *testing.T) *cache.Manager {
	t.Helper()

	mgr, err := cache.Open(filepath.Join(t.TempDir(), "godata-test.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}
