package json

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_WriteJSONCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "requests.json")

	require.NoError(t, NewWriter().WriteJSON(path, map[string]any{"method": "GET", "hits": 2}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"hits\": 2,\n  \"method\": \"GET\"\n}\n", string(raw))
}

func TestWriter_WriteBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "page.html")

	require.NoError(t, NewWriter().WriteBytes(path, []byte("<html></html>")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(raw))
}

func TestWriter_UnmarshalableValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")

	err := NewWriter().WriteJSON(path, map[string]any{"fn": func() {}})
	assert.ErrorContains(t, err, "failed to marshal JSON")
	assert.NoFileExists(t, path)
}
