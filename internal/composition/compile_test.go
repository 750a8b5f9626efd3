package composition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
)

var configMapBase = runtime.RawExtension{Raw: []byte(`{"apiVersion":"v1","kind":"ConfigMap"}`)}

func newComposition(resources ...apiv1.ResourceTemplate) *apiv1.Composition {
	comp := &apiv1.Composition{}
	comp.Name = "test"
	comp.Spec.ClaimRef = apiv1.ClaimTypeRef{APIVersion: "platform.bizmatters.io/v1alpha1", Kind: "Test"}
	comp.Spec.Resources = resources
	return comp
}

func guarded(present, absent []string) apiv1.TemplateVariant {
	return apiv1.TemplateVariant{Guard: &apiv1.Guard{Present: present, Absent: absent}, Base: configMapBase}
}

func TestCompileGuards(t *testing.T) {
	fallback := apiv1.TemplateVariant{Base: configMapBase}

	tests := []struct {
		Name     string
		Variants []apiv1.TemplateVariant
		Err      string
	}{
		{
			Name:     "single fallback",
			Variants: []apiv1.TemplateVariant{fallback},
		},
		{
			Name:     "two fallbacks",
			Variants: []apiv1.TemplateVariant{fallback, fallback},
			Err:      "at most one variant may omit its guard",
		},
		{
			Name: "exclusive and exhaustive",
			Variants: []apiv1.TemplateVariant{
				guarded([]string{"spec.hostname"}, nil),
				guarded(nil, []string{"spec.hostname"}),
			},
		},
		{
			Name: "overlapping",
			Variants: []apiv1.TemplateVariant{
				guarded([]string{"spec.hostname"}, nil),
				guarded([]string{"spec.tls"}, nil),
				fallback,
			},
			Err: "not mutually exclusive",
		},
		{
			Name: "not exhaustive",
			Variants: []apiv1.TemplateVariant{
				guarded([]string{"spec.a", "spec.b"}, nil),
				guarded(nil, []string{"spec.a"}),
			},
			Err: "no variant matches claims where spec.a is set and spec.b is unset",
		},
		{
			Name: "exhaustive over nested fields",
			Variants: []apiv1.TemplateVariant{
				guarded([]string{"spec.nats.account"}, nil),
				guarded(nil, []string{"spec.nats"}),
				guarded([]string{"spec.nats"}, []string{"spec.nats.account"}),
			},
		},
		{
			Name: "parent absence excludes child presence",
			Variants: []apiv1.TemplateVariant{
				guarded([]string{"spec.nats.account"}, nil),
				guarded(nil, []string{"spec.nats"}),
				fallback,
			},
		},
		{
			Name:     "empty guard",
			Variants: []apiv1.TemplateVariant{guarded(nil, nil)},
			Err:      "guard must reference at least one field",
		},
		{
			Name:     "guard outside the claim",
			Variants: []apiv1.TemplateVariant{guarded([]string{"status.ready"}, nil), fallback},
			Err:      "must start with spec or metadata",
		},
	}

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := Compile(newComposition(apiv1.ResourceTemplate{Name: "cm", Variants: tc.Variants}))
			if tc.Err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.Err)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		Name string
		Comp *apiv1.Composition
		Err  string
	}{
		{
			Name: "no resources",
			Comp: newComposition(),
			Err:  "has no resources",
		},
		{
			Name: "duplicate template",
			Comp: newComposition(
				apiv1.ResourceTemplate{Name: "cm", Variants: []apiv1.TemplateVariant{{Base: configMapBase}}},
				apiv1.ResourceTemplate{Name: "cm", NameSuffix: "-b", Variants: []apiv1.TemplateVariant{{Base: configMapBase}}},
			),
			Err: "duplicate resource template",
		},
		{
			Name: "name collision",
			Comp: newComposition(
				apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{Base: configMapBase}}},
				apiv1.ResourceTemplate{Name: "b", Variants: []apiv1.TemplateVariant{{Base: configMapBase}}},
			),
			Err: "collides",
		},
		{
			Name: "invalid suffix",
			Comp: newComposition(apiv1.ResourceTemplate{Name: "a", NameSuffix: "_x", Variants: []apiv1.TemplateVariant{{Base: configMapBase}}}),
			Err:  "nameSuffix",
		},
		{
			Name: "missing base",
			Comp: newComposition(apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{}}}),
			Err:  "base is required",
		},
		{
			Name: "base with name",
			Comp: newComposition(apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{
				Base: runtime.RawExtension{Raw: []byte(`{"apiVersion":"v1","kind":"ConfigMap","metadata":{"name":"fixed"}}`)},
			}}}),
			Err: "cannot set a name",
		},
		{
			Name: "skip with base",
			Comp: newComposition(apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{Skip: true, Base: configMapBase}}}),
			Err:  "skip variants cannot have a base",
		},
		{
			Name: "bad readiness check",
			Comp: newComposition(apiv1.ResourceTemplate{Name: "a", ReadinessChecks: []string{"self.("}, Variants: []apiv1.TemplateVariant{{Base: configMapBase}}}),
			Err:  "parsing readiness check",
		},
		{
			Name: "bad transform",
			Comp: newComposition(apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{
				Base:    configMapBase,
				Patches: []apiv1.Patch{{FromFieldPath: "spec.a", ToFieldPath: "data.a", Transform: format("%s-%s")}},
			}}}),
			Err: "exactly one %s placeholder",
		},
		{
			Name: "patch changes kind",
			Comp: newComposition(apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{
				Base:    configMapBase,
				Patches: []apiv1.Patch{{FromFieldPath: "spec.a", ToFieldPath: "kind"}},
			}}}),
			Err: "cannot change the resource type",
		},
		{
			Name: "patch reads outside the claim",
			Comp: newComposition(apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{
				Base:    configMapBase,
				Patches: []apiv1.Patch{{FromFieldPath: "status.a", ToFieldPath: "data.a"}},
			}}}),
			Err: "fromFieldPath must start with spec or metadata",
		},
		{
			Name: "missing claim kind",
			Comp: func() *apiv1.Composition {
				c := newComposition(apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{Base: configMapBase}}})
				c.Spec.ClaimRef.Kind = ""
				return c
			}(),
			Err: "claimRef requires apiVersion and kind",
		},
	}

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := Compile(tc.Comp)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.Err)
		})
	}
}

func TestCompileSecretSlots(t *testing.T) {
	comp := func(slots int, declared ...string) *apiv1.Composition {
		c := newComposition(apiv1.ResourceTemplate{Name: "a", Variants: []apiv1.TemplateVariant{{Base: configMapBase}}})
		c.Spec.SecretSlots = slots
		c.Spec.Schema = &apiextensionsv1.JSONSchemaProps{Type: "object", Properties: map[string]apiextensionsv1.JSONSchemaProps{}}
		for _, name := range declared {
			c.Spec.Schema.Properties[name] = apiextensionsv1.JSONSchemaProps{Type: "string"}
		}
		return c
	}

	_, err := Compile(comp(0))
	assert.NoError(t, err)

	_, err = Compile(comp(2, "secret1Name", "secret2Name"))
	assert.NoError(t, err)

	_, err = Compile(comp(2, "secret1Name"))
	assert.ErrorContains(t, err, "does not declare secret slot")

	_, err = Compile(comp(1, "secret1Name", "secret2Name"))
	assert.ErrorContains(t, err, "beyond the 1 configured secret slots")

	_, err = Compile(comp(6))
	assert.ErrorContains(t, err, "secretSlots must be between 0 and 5")
}

func TestSelect(t *testing.T) {
	c, err := Compile(WebService())
	require.NoError(t, err)

	names := func(sel []Selection) (out []string) {
		for _, s := range sel {
			out = append(out, s.Template.Name)
		}
		return out
	}

	doc := map[string]any{"metadata": map[string]any{"name": "web"}, "spec": map[string]any{"image": "x"}}
	sel, err := c.Select(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"identity", "workspace", "workload", "endpoint"}, names(sel))
	assert.Equal(t, 1, sel[2].Variant.Index, "fallback workload without init container")

	doc["spec"].(map[string]any)["hostname"] = "web.example.com"
	doc["spec"].(map[string]any)["initContainer"] = map[string]any{"image": "migrate", "command": []any{"up"}}
	sel, err = c.Select(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"identity", "workspace", "workload", "endpoint", "route"}, names(sel))
	assert.Equal(t, 0, sel[2].Variant.Index)

	doc["spec"].(map[string]any)["hostname"] = ""
	sel, err = c.Select(doc)
	require.NoError(t, err)
	assert.Len(t, sel, 4, "empty hostname counts as absent")
}

func TestGVKs(t *testing.T) {
	c, err := Compile(Worker())
	require.NoError(t, err)

	assert.Equal(t, []schema.GroupVersionKind{
		{Version: "v1", Kind: "ServiceAccount"},
		{Group: "apps", Version: "v1", Kind: "Deployment"},
		{Version: "v1", Kind: "Service"},
		{Group: "keda.sh", Version: "v1alpha1", Kind: "ScaledObject"},
	}, c.GVKs())
}
