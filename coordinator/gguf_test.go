package coordinator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModelStore(t *testing.T, name, tag, digestHex string) string {
	t.Helper()
	dir := t.TempDir()

	manifestDir := filepath.Join(dir, "manifests", "registry.ollama.ai", "library", name)
	require.NoError(t, os.MkdirAll(manifestDir, 0o755))

	manifest := `{
		"layers": [
			{"mediaType": "application/vnd.ollama.image.template", "digest": "sha256:ffff"},
			{"mediaType": "application/vnd.ollama.image.model", "digest": "sha256:` + digestHex + `", "size": 1024}
		]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(manifestDir, tag), []byte(manifest), 0o644))

	blobDir := filepath.Join(dir, "blobs")
	require.NoError(t, os.MkdirAll(blobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blobDir, "sha256-"+digestHex), []byte("gguf"), 0o644))
	return dir
}

func TestResolve(t *testing.T) {
	dir := writeModelStore(t, "llama3.1", "405b", "abc123")
	r := NewGGUFResolver(dir)

	path, err := r.Resolve("llama3.1:405b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "blobs", "sha256-abc123"), path)
}

func TestResolveDefaultsToLatest(t *testing.T) {
	dir := writeModelStore(t, "llama3.1", "latest", "def456")
	r := NewGGUFResolver(dir)

	path, err := r.Resolve("llama3.1")
	require.NoError(t, err)
	assert.Equal(t, "sha256-def456", filepath.Base(path))
}

func TestResolveUnknownModel(t *testing.T) {
	r := NewGGUFResolver(t.TempDir())

	_, err := r.Resolve("nope:70b")
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestResolveMissingBlob(t *testing.T) {
	dir := writeModelStore(t, "llama3.1", "405b", "abc123")
	require.NoError(t, os.Remove(filepath.Join(dir, "blobs", "sha256-abc123")))

	r := NewGGUFResolver(dir)
	_, err := r.Resolve("llama3.1:405b")
	require.ErrorIs(t, err, ErrModelNotFound)
}
