package composition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/claim"
	"github.com/bizmatters/compositor/internal/errdefs"
)

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(Builtin()...)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reg.Generation())

	kinds := []string{}
	for _, c := range reg.Compositions() {
		kinds = append(kinds, c.GVK.Kind)
	}
	assert.Equal(t, []string{"WebService", "Worker"}, kinds)

	c, err := reg.Resolve(&claim.Claim{APIVersion: "platform.bizmatters.io/v1alpha1", Kind: "Worker"})
	require.NoError(t, err)
	assert.Equal(t, "worker", c.Name)

	_, err = reg.Resolve(&claim.Claim{APIVersion: "platform.bizmatters.io/v1alpha1", Kind: "Database"})
	assert.Equal(t, errdefs.ReasonCompositionNotFound, errdefs.ReasonOf(err))
	assert.True(t, errdefs.IsTerminal(err))

	_, ok := reg.LookupKind("WebService")
	assert.True(t, ok)
}

func TestRegistryDuplicateClaimType(t *testing.T) {
	_, err := NewRegistry(Worker(), Worker())
	assert.ErrorContains(t, err, "both claim")
}

func TestRegistryReload(t *testing.T) {
	reg, err := NewRegistry(Builtin()...)
	require.NoError(t, err)

	next, err := reg.Reload(Builtin()...)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Generation())

	fewerSlots := func(rev int64) *apiv1.Composition {
		w := Worker()
		w.Spec.Revision = rev
		w.Spec.SecretSlots = 4
		delete(w.Spec.Schema.Properties, SecretSlotField(5))
		// The workload template still appends slot 5, drop that patch too
		patches := w.Spec.Resources[1].Variants[0].Patches
		w.Spec.Resources[1].Variants[0].Patches = patches[:len(patches)-1]
		return w
	}

	_, err = next.Reload(fewerSlots(1), WebService())
	assert.ErrorContains(t, err, "without bumping its revision")

	after, err := next.Reload(fewerSlots(2), WebService())
	require.NoError(t, err)
	assert.Equal(t, int64(3), after.Generation())

	// The previous registry is untouched
	c, _ := next.LookupKind("Worker")
	assert.Equal(t, MaxSecretSlots, c.Spec.SecretSlots)
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	manifest := `
apiVersion: platform.bizmatters.io/v1alpha1
kind: Composition
metadata:
  name: bucket
spec:
  claimRef:
    apiVersion: storage.bizmatters.io/v1alpha1
    kind: Bucket
  revision: 1
  schema:
    type: object
    required: [region]
    properties:
      region:
        type: string
        enum: [eu, us]
  resources:
  - name: config
    nameSuffix: -config
    variants:
    - base:
        apiVersion: v1
        kind: ConfigMap
        data:
          provider: s3
      patches:
      - fromFieldPath: spec.region
        toFieldPath: data.region
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bucket.yaml"), []byte(manifest), 0644))

	reg, err := LoadRegistry(dir)
	require.NoError(t, err)
	assert.Len(t, reg.Compositions(), 3)

	c, ok := reg.LookupKind("Bucket")
	require.True(t, ok)
	require.Len(t, c.Templates, 1)
	assert.Equal(t, "-config", c.Templates[0].NameSuffix)
	assert.Equal(t, map[string]any{"apiVersion": "v1", "kind": "ConfigMap", "data": map[string]any{"provider": "s3"}}, c.Templates[0].Variants[0].Base)

	next, err := ReloadRegistry(reg, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Generation())

	builtinOnly, err := LoadRegistry("")
	require.NoError(t, err)
	assert.Len(t, builtinOnly.Compositions(), 2)
}

func TestLoadDirRejectsOtherKinds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cm.yaml"), []byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: x\n"), 0644))

	_, err := LoadDir(dir)
	assert.ErrorContains(t, err, "unexpected")
}
