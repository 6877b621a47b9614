package shim

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteProducesBothFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir))

	entrypoint, err := os.ReadFile(EntrypointPath(dir))
	require.NoError(t, err)
	assert.Contains(t, string(entrypoint), "data_loader")

	entry, err := os.Stat(dir + "/" + DataLoaderFile)
	require.NoError(t, err)
	assert.False(t, entry.IsDir())
}
