package postgres

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/agent-studio/internal/migrations"
)

func TestMigrationFilesOrdered(t *testing.T) {
	fsys := fstest.MapFS{
		"002_b.sql":    {Data: []byte("SELECT 2")},
		"001_a.sql":    {Data: []byte("SELECT 1")},
		"README.md":    {Data: []byte("notes")},
		"nested/x.sql": {Data: []byte("SELECT 3")},
	}
	files, err := migrationFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a.sql", "002_b.sql"}, files)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := migrationFiles(migrations.FS)
	require.NoError(t, err)
	assert.Contains(t, files, "001_studio.sql")

	// Payloads and snapshot state are stored as JSON text, not JSONB.
	for _, name := range files {
		sql, err := fs.ReadFile(migrations.FS, name)
		require.NoError(t, err)
		assert.NotContains(t, strings.ToUpper(string(sql)), "JSONB", name)
	}
}
