package main

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/yaml"

	"github.com/bizmatters/compositor/internal/composition"
)

func TestManagedTypes(t *testing.T) {
	reg, err := composition.LoadRegistry("")
	require.NoError(t, err)

	gvks := managedTypes(reg)
	assert.Contains(t, gvks, schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"})
	assert.Contains(t, gvks, schema.GroupVersionKind{Version: "v1", Kind: "Service"})
	assert.Contains(t, gvks, schema.GroupVersionKind{Group: "keda.sh", Version: "v1alpha1", Kind: "ScaledObject"})
	assert.Contains(t, gvks, schema.GroupVersionKind{Version: "v1", Kind: "PersistentVolumeClaim"})

	seen := map[schema.GroupVersionKind]bool{}
	for _, gvk := range gvks {
		assert.False(t, seen[gvk], "duplicate %s", gvk)
		seen[gvk] = true
	}

	assert.Len(t, claimKinds(reg), 2)
}

func TestReload(t *testing.T) {
	reg, err := composition.LoadRegistry("")
	require.NoError(t, err)
	registry := &atomic.Pointer[composition.Registry]{}
	registry.Store(reg)

	dir := t.TempDir()
	require.NoError(t, reload(registry, dir))
	assert.Equal(t, int64(2), registry.Load().Generation())

	batch := composition.Worker()
	batch.Name = "batch"
	batch.Spec.ClaimRef.Kind = "Batch"
	js, err := yaml.Marshal(batch)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batch.yaml"), js, 0o644))

	err = reload(registry, dir)
	assert.ErrorContains(t, err, "requires a restart")
	assert.Equal(t, int64(2), registry.Load().Generation(), "the current registry is kept")
}
