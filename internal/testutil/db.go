// Package testutil provides test helpers shared across packages.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxthelion/octopoid/internal/store/sqlite"
)

// NewTestDB opens a migrated database in a per-test temp directory and
// closes it when the test ends.
func NewTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "octopoid.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}
