package efble

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKeyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keydata.bin")
	require.NoError(t, os.WriteFile(path, testKeyTable(), 0o600))

	table, err := LoadKeyTable(path)
	require.NoError(t, err)
	assert.Len(t, []byte(table), MinKeyTableSize)
}

func TestLoadKeyTableTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keydata.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o600))

	_, err := LoadKeyTable(path)
	assert.ErrorIs(t, err, ErrKeyTableTooSmall)
}

func TestLoadKeyTableMissingFile(t *testing.T) {
	_, err := LoadKeyTable(filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}
