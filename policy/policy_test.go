package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	require.NoError(t, p.validate())
	assert.Equal(t, "transform", p.EntryPoint)
	assert.True(t, p.ImportAllowed("pandas"))
	assert.True(t, p.ImportAllowed("numpy.linalg"))
	assert.False(t, p.ImportAllowed("os"))
	assert.False(t, p.ImportAllowed("socket"))
	assert.True(t, p.attributeBlocked("__class__"))
	assert.False(t, p.attributeBlocked("shape"))
	assert.True(t, p.callBlocked("eval"))
	assert.False(t, p.callBlocked("len"))
}

func TestLoadEmptyPathUsesDefault(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `version: 2
allowed_imports:
  math: math
blocked_attributes:
  - __class__
blocked_calls:
  - eval
entry_point: run
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, "run", p.EntryPoint)
	assert.True(t, p.ImportAllowed("math"))
	assert.False(t, p.ImportAllowed("pandas"))
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read policy file")
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("version: [\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse policy file")
	})

	t.Run("InvalidDocument", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.yaml")
		require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "allowed_imports must not be empty")
	})
}
