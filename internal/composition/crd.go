package composition

import (
	"strings"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

// CRD returns the namespaced custom resource definition of the claim kind.
func (c *Compiled) CRD() *apiextensionsv1.CustomResourceDefinition {
	plural := strings.ToLower(c.GVK.Kind) + "s"

	spec := apiextensionsv1.JSONSchemaProps{Type: "object"}
	if c.Spec.Schema != nil {
		spec = *c.Spec.Schema.DeepCopy()
	}
	required := []string{"spec"}

	return &apiextensionsv1.CustomResourceDefinition{
		TypeMeta: metav1.TypeMeta{
			APIVersion: apiextensionsv1.SchemeGroupVersion.String(),
			Kind:       "CustomResourceDefinition",
		},
		ObjectMeta: metav1.ObjectMeta{Name: plural + "." + c.GVK.Group},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: c.GVK.Group,
			Scope: apiextensionsv1.NamespaceScoped,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Kind:       c.GVK.Kind,
				ListKind:   c.GVK.Kind + "List",
				Plural:     plural,
				Singular:   strings.ToLower(c.GVK.Kind),
				Categories: []string{"claims"},
			},
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
				Name:    c.GVK.Version,
				Served:  true,
				Storage: true,
				Subresources: &apiextensionsv1.CustomResourceSubresources{
					Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
				},
				AdditionalPrinterColumns: []apiextensionsv1.CustomResourceColumnDefinition{
					{Name: "Ready", Type: "string", JSONPath: ".status.readySummary"},
					{Name: "State", Type: "string", JSONPath: ".status.state"},
					{Name: "Age", Type: "date", JSONPath: ".metadata.creationTimestamp"},
				},
				Schema: &apiextensionsv1.CustomResourceValidation{
					OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{
						Type:     "object",
						Required: required,
						Properties: map[string]apiextensionsv1.JSONSchemaProps{
							"apiVersion": {Type: "string"},
							"kind":       {Type: "string"},
							"metadata":   {Type: "object"},
							"spec":       spec,
							"status": {
								Type:                   "object",
								XPreserveUnknownFields: ptr.To(true),
							},
						},
					},
				},
			}},
		},
	}
}
