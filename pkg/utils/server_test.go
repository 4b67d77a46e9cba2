package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentServerIDOverrideWins(t *testing.T) {
	assert.Equal(t, "node-7", PersistentServerID("node-7", t.TempDir()))
}

func TestPersistentServerIDReadsSavedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, serverIDFile), []byte("azgw-saved\n"), 0o644))

	assert.Equal(t, "azgw-saved", PersistentServerID("", dir))
}

func TestSanitizeHostnameStripsUnsafeRunes(t *testing.T) {
	assert.Equal(t, "web-01local", sanitizeHostname("web-01.local"))
	assert.Equal(t, "", sanitizeHostname("..."))
}
