package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configMapYAML = `
apiVersion: v1
kind: ConfigMap
metadata:
  name: test-config
  namespace: default
data:
  key1: value1
`

func TestLoadObjects(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(configMapYAML+"---\n# comment only\n---\napiVersion: v1\nkind: Secret\nmetadata:\n  name: app-secrets\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "a.json"), []byte(`{"apiVersion":"v1","kind":"ServiceAccount","metadata":{"name":"sa"}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a manifest"), 0644))

	t.Run("load mixed objects", func(t *testing.T) {
		objects, err := LoadObjects(dir)
		require.NoError(t, err)
		require.Len(t, objects, 3)

		assert.Equal(t, "ConfigMap", objects[0].GetKind())
		assert.Equal(t, "Secret", objects[1].GetKind())
		assert.Equal(t, "ServiceAccount", objects[2].GetKind())
	})

	t.Run("nonexistent folder", func(t *testing.T) {
		_, err := LoadObjects(filepath.Join(dir, "nonexistent"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "folder does not exist")
	})

	t.Run("empty folder", func(t *testing.T) {
		objects, err := LoadObjects(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, objects)
	})
}

func TestDecodeObjects(t *testing.T) {
	t.Run("empty bytes", func(t *testing.T) {
		objects, err := DecodeObjects([]byte{})
		require.NoError(t, err)
		assert.Empty(t, objects)
	})

	t.Run("valid configmap", func(t *testing.T) {
		objects, err := DecodeObjects([]byte(configMapYAML))
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Equal(t, "test-config", objects[0].GetName())
		assert.Equal(t, "value1", objects[0].Object["data"].(map[string]any)["key1"])
	})

	t.Run("missing kind", func(t *testing.T) {
		objects, err := DecodeObjects([]byte("apiVersion: v1\nmetadata:\n  name: x\n"))
		require.NoError(t, err)
		assert.Empty(t, objects)
	})

	t.Run("invalid YAML", func(t *testing.T) {
		_, err := DecodeObjects([]byte("invalid: yaml: content: ["))
		assert.Error(t, err)
	})
}

func TestIsYAMLOrJSONFile(t *testing.T) {
	testCases := []struct {
		filename string
		expected bool
	}{
		{"test.yaml", true},
		{"test.yml", true},
		{"test.json", true},
		{"test.txt", false},
		{"test.go", false},
		{"test", false},
		{"/path/to/file.yaml", true},
		{"/path/to/file.xml", false},
	}

	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			assert.Equal(t, tc.expected, isYAMLOrJSONFile(tc.filename))
		})
	}
}
