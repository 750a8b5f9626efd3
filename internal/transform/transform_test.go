package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/errdefs"
)

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		Name      string
		Transform *apiv1.Transform
	}{
		{Name: "unknown type", Transform: &apiv1.Transform{Type: "Regex"}},
		{Name: "map without table", Transform: &apiv1.Transform{Type: apiv1.TransformMap}},
		{Name: "no placeholder", Transform: stringFormat("static")},
		{Name: "two placeholders", Transform: stringFormat("%s-%s")},
		{Name: "other verb", Transform: stringFormat("%s-%d")},
		{Name: "bad convert", Transform: &apiv1.Transform{Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: "bool"}}},
		{Name: "bad map entry", Transform: &apiv1.Transform{Type: apiv1.TransformMap, Map: &apiv1.MapTransform{Table: map[string]apiextensionsv1.JSON{"a": {Raw: []byte("{")}}}}},
	}
	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := Compile(tc.Transform)
			assert.Error(t, err)
		})
	}
}

func TestIdentity(t *testing.T) {
	fn, err := Compile(nil)
	require.NoError(t, err)

	out, err := fn(map[string]any{"a": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1)}, out)
}

func TestMap(t *testing.T) {
	fn, err := Compile(&apiv1.Transform{
		Type: apiv1.TransformMap,
		Map: &apiv1.MapTransform{Table: map[string]apiextensionsv1.JSON{
			"small":  {Raw: []byte(`{"cpu":"250m","memory":"512Mi"}`)},
			"medium": {Raw: []byte(`{"cpu":"500m","memory":"1Gi"}`)},
			"two":    {Raw: []byte(`2`)},
		}},
	})
	require.NoError(t, err)

	out, err := fn("medium")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cpu": "500m", "memory": "1Gi"}, out)

	out, err = fn("two")
	require.NoError(t, err)
	assert.Equal(t, int64(2), out)

	_, err = fn("huge")
	assert.Equal(t, errdefs.ReasonUnresolvedReference, errdefs.ReasonOf(err))

	// Mutating a result must not leak into later lookups
	first, _ := fn("small")
	first.(map[string]any)["cpu"] = "1"
	second, _ := fn("small")
	assert.Equal(t, "250m", second.(map[string]any)["cpu"])
}

func TestMapDefault(t *testing.T) {
	fn, err := Compile(&apiv1.Transform{
		Type: apiv1.TransformMap,
		Map: &apiv1.MapTransform{
			Table:   map[string]apiextensionsv1.JSON{"true": {Raw: []byte(`"enabled"`)}},
			Default: &apiextensionsv1.JSON{Raw: []byte(`"disabled"`)},
		},
	})
	require.NoError(t, err)

	out, err := fn(true)
	require.NoError(t, err)
	assert.Equal(t, "enabled", out)

	out, err = fn("nope")
	require.NoError(t, err)
	assert.Equal(t, "disabled", out)
}

func TestStringFormat(t *testing.T) {
	fn, err := Compile(stringFormat("%s-http"))
	require.NoError(t, err)

	out, err := fn("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders-http", out)

	out, err = fn(int64(8080))
	require.NoError(t, err)
	assert.Equal(t, "8080-http", out)
}

func TestConvert(t *testing.T) {
	tests := []struct {
		Name    string
		To      apiv1.ConvertType
		In      any
		Out     any
		WantErr bool
	}{
		{Name: "int to string", To: apiv1.ConvertToString, In: int64(8080), Out: "8080"},
		{Name: "integral float to string", To: apiv1.ConvertToString, In: float64(3), Out: "3"},
		{Name: "bool to string", To: apiv1.ConvertToString, In: true, Out: "true"},
		{Name: "map to string", To: apiv1.ConvertToString, In: map[string]any{}, WantErr: true},
		{Name: "string to int", To: apiv1.ConvertToInt, In: "42", Out: int64(42)},
		{Name: "float to int", To: apiv1.ConvertToInt, In: float64(5), Out: int64(5)},
		{Name: "fractional float to int", To: apiv1.ConvertToInt, In: 2.5, WantErr: true},
		{Name: "fractional string to int", To: apiv1.ConvertToInt, In: "2.5", WantErr: true},
		{Name: "garbage to int", To: apiv1.ConvertToInt, In: "many", WantErr: true},
		{Name: "bool to int", To: apiv1.ConvertToInt, In: true, WantErr: true},
		{Name: "scalar to array", To: apiv1.ConvertToArray, In: "sh", Out: []any{"sh"}},
		{Name: "array to array", To: apiv1.ConvertToArray, In: []any{"a", "b"}, Out: []any{"a", "b"}},
		{Name: "object to array", To: apiv1.ConvertToArray, In: map[string]any{}, WantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			fn, err := Compile(&apiv1.Transform{Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: tc.To}})
			require.NoError(t, err)

			out, err := fn(tc.In)
			if tc.WantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.Out, out)
		})
	}
}

func stringFormat(tmpl string) *apiv1.Transform {
	return &apiv1.Transform{Type: apiv1.TransformStringFormat, StringFormat: &apiv1.StringFormatTransform{Template: tmpl}}
}
