package v1alpha1

import (
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Composition binds a claim kind to the ordered set of resource templates it expands into.
// Compositions are static: they are loaded once into a registry and never mutated.
type Composition struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec CompositionSpec `json:"spec"`
}

type CompositionSpec struct {
	// ClaimRef selects the claims synthesized by this composition.
	ClaimRef ClaimTypeRef `json:"claimRef"`

	// Revision must be bumped whenever the claim contract changes shape, e.g. the
	// number of secret slots.
	Revision int64 `json:"revision,omitempty"`

	// Schema describes the claim's spec. Defaults are applied before patching.
	Schema *apiextensionsv1.JSONSchemaProps `json:"schema,omitempty"`

	// SecretSlots is the fixed number of optional secret references accepted by the claim.
	SecretSlots int `json:"secretSlots,omitempty"`

	Resources []ResourceTemplate `json:"resources"`
}

type ClaimTypeRef struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

func (c ClaimTypeRef) GroupVersionKind() schema.GroupVersionKind {
	return schema.FromAPIVersionAndKind(c.APIVersion, c.Kind)
}

// ResourceTemplate is one logical resource produced for every claim.
type ResourceTemplate struct {
	// Name identifies the template within the composition.
	Name string `json:"name"`

	// NameSuffix is appended to the claim name to form the resource name.
	NameSuffix string `json:"nameSuffix,omitempty"`

	// Ordering is copied into the ordering annotation and sequences apply.
	// Lower values are applied first.
	Ordering int `json:"ordering,omitempty"`

	// ReadinessChecks are CEL expressions evaluated against the observed resource.
	// A resource without checks is ready once it exists.
	ReadinessChecks []string `json:"readinessChecks,omitempty"`

	// Variants are evaluated top to bottom. Exactly one matches any given claim.
	Variants []TemplateVariant `json:"variants"`
}

type TemplateVariant struct {
	// Guard is nil for the fallback variant.
	Guard *Guard `json:"guard,omitempty"`

	// Skip means the logical resource is not produced when this variant is selected.
	Skip bool `json:"skip,omitempty"`

	Base    runtime.RawExtension `json:"base,omitempty"`
	Patches []Patch              `json:"patches,omitempty"`
}

// Guard is a presence predicate over claim fields.
type Guard struct {
	Present []string `json:"present,omitempty"`
	Absent  []string `json:"absent,omitempty"`
}

type PatchPolicy string

const (
	PatchPolicyRequired PatchPolicy = "Required"
	PatchPolicyOptional PatchPolicy = "Optional"
)

// AbsentAction controls what an optional patch does to its destination when the
// source value is absent.
type AbsentAction string

const (
	// AbsentKeep leaves whatever the template base holds at the destination.
	AbsentKeep AbsentAction = "Keep"
	// AbsentOmit removes the destination key from the rendered resource.
	AbsentOmit AbsentAction = "Omit"
)

type Patch struct {
	FromFieldPath string       `json:"fromFieldPath"`
	ToFieldPath   string       `json:"toFieldPath"`
	Transform     *Transform   `json:"transform,omitempty"`
	Policy        PatchPolicy  `json:"policy,omitempty"`
	OnAbsent      AbsentAction `json:"onAbsent,omitempty"`

	// Reference marks the resolved value as the name of an object in the claim's
	// namespace that must exist before the resource is applied.
	Reference *ObjectReference `json:"reference,omitempty"`
}

type ObjectReference struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

type TransformType string

const (
	TransformIdentity     TransformType = "Identity"
	TransformMap          TransformType = "Map"
	TransformStringFormat TransformType = "StringFormat"
	TransformConvert      TransformType = "Convert"
)

type Transform struct {
	Type         TransformType          `json:"type"`
	Map          *MapTransform          `json:"map,omitempty"`
	StringFormat *StringFormatTransform `json:"stringFormat,omitempty"`
	Convert      *ConvertTransform      `json:"convert,omitempty"`
}

type MapTransform struct {
	Table   map[string]apiextensionsv1.JSON `json:"table"`
	Default *apiextensionsv1.JSON           `json:"default,omitempty"`
}

type StringFormatTransform struct {
	// Template holds exactly one %s placeholder.
	Template string `json:"template"`
}

type ConvertType string

const (
	ConvertToString ConvertType = "string"
	ConvertToInt    ConvertType = "int"
	ConvertToArray  ConvertType = "array"
)

type ConvertTransform struct {
	ToType ConvertType `json:"toType"`
}
