package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "orders/o1/a.txt", sanitizeKey("orders/o1/a.txt"))
	assert.Equal(t, "etc/passwd", sanitizeKey("../../etc/passwd"))
	assert.Equal(t, "a/b", sanitizeKey("/a//b/"))
}

func TestLocalFileStoreKeepsKeysUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	files := &LocalFileStore{BaseDir: dir}

	path, err := files.Put(context.Background(), "../../orders/o1/receipt.txt", []byte("A-17"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "orders", "o1", "receipt.txt"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A-17", string(got))
}
