package composition

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
)

const (
	// HTTPPort is the container port exposed by every built-in workload unless overridden.
	HTTPPort = 8080

	nameLabel = "app.kubernetes.io/name"

	// WorkspaceMountPath is where WebService workloads see their workspace volume.
	WorkspaceMountPath = "/workspace"
	workspaceSuffix    = "-workspace"

	queuePattern = `^[A-Z][A-Z0-9_]*$`
	dnsPattern   = `^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`
	hostPattern  = `^[a-z0-9]([-a-z0-9]*[a-z0-9])?(\.[a-z0-9]([-a-z0-9]*[a-z0-9])?)*$`

	deploymentAvailable = "self.status.conditions.exists(c, c.type == 'Available' && c.status == 'True')"
	scaledObjectReady   = "self.status.conditions.exists(c, c.type == 'Ready' && c.status == 'True')"
	pvcBound            = "self.status.phase == 'Bound'"
	routeAccepted       = "self.status.parents.exists(p, p.conditions.exists(c, c.type == 'Accepted' && c.status == 'True'))"
)

// Builtin returns the compositions shipped with the engine.
func Builtin() []*apiv1.Composition {
	return []*apiv1.Composition{Worker(), WebService()}
}

// Worker is a queue consumer: identity, workload, endpoint, and a KEDA trigger scaling
// the workload on NATS JetStream consumer lag.
func Worker() *apiv1.Composition {
	schema := workloadSchema("image", "queue", "group")
	schema.Properties["queue"] = apiextensionsv1.JSONSchemaProps{Type: "string", Description: "JetStream stream consumed by the worker.", Pattern: queuePattern}
	schema.Properties["group"] = apiextensionsv1.JSONSchemaProps{Type: "string", Description: "Durable consumer name shared by all replicas.", Pattern: dnsPattern}
	schema.Properties["minReplicas"] = intProp("Lower replica bound.", 1)
	schema.Properties["maxReplicas"] = intProp("Upper replica bound.", 10)
	schema.Properties["lagThreshold"] = intProp("Pending messages per replica before scaling out.", 5)
	schema.Properties["nats"] = apiextensionsv1.JSONSchemaProps{
		Type:        "object",
		Description: "Overrides the cluster NATS monitoring endpoint.",
		Required:    []string{"monitoringEndpoint", "account"},
		Properties: map[string]apiextensionsv1.JSONSchemaProps{
			"monitoringEndpoint": {Type: "string"},
			"account":            {Type: "string"},
		},
	}

	return &apiv1.Composition{
		TypeMeta:   metav1.TypeMeta{APIVersion: apiv1.SchemeGroupVersion.String(), Kind: "Composition"},
		ObjectMeta: metav1.ObjectMeta{Name: "worker"},
		Spec: apiv1.CompositionSpec{
			ClaimRef:    apiv1.ClaimTypeRef{APIVersion: apiv1.SchemeGroupVersion.String(), Kind: "Worker"},
			Revision:    1,
			Schema:      schema,
			SecretSlots: MaxSecretSlots,
			Resources: []apiv1.ResourceTemplate{
				identityTemplate(),
				{
					Name:            "workload",
					Ordering:        1,
					ReadinessChecks: []string{deploymentAvailable},
					Variants: []apiv1.TemplateVariant{{
						Base:    typedBase(deployment(nil)),
						Patches: workloadPatches(),
					}},
				},
				endpointTemplate(false),
				{
					Name:            "scaling",
					Ordering:        2,
					ReadinessChecks: []string{scaledObjectReady},
					Variants: []apiv1.TemplateVariant{{
						Base: mustRaw(map[string]any{
							"apiVersion": "keda.sh/v1alpha1",
							"kind":       "ScaledObject",
							"spec": map[string]any{
								"scaleTargetRef": map[string]any{"apiVersion": "apps/v1", "kind": "Deployment"},
								"triggers": []any{map[string]any{
									"type": "nats-jetstream",
									"metadata": map[string]any{
										"natsServerMonitoringEndpoint": "nats.nats.svc.cluster.local:8222",
										"account":                      "$G",
									},
								}},
							},
						}),
						Patches: []apiv1.Patch{
							{FromFieldPath: "metadata.name", ToFieldPath: "spec.scaleTargetRef.name"},
							{FromFieldPath: "spec.minReplicas", ToFieldPath: "spec.minReplicaCount"},
							{FromFieldPath: "spec.maxReplicas", ToFieldPath: "spec.maxReplicaCount"},
							{FromFieldPath: "spec.queue", ToFieldPath: "spec.triggers[0].metadata.stream"},
							{FromFieldPath: "spec.group", ToFieldPath: "spec.triggers[0].metadata.consumer"},
							{FromFieldPath: "spec.lagThreshold", ToFieldPath: "spec.triggers[0].metadata.lagThreshold", Transform: convert(apiv1.ConvertToString)},
							{FromFieldPath: "spec.nats.monitoringEndpoint", ToFieldPath: "spec.triggers[0].metadata.natsServerMonitoringEndpoint", Policy: apiv1.PatchPolicyOptional},
							{FromFieldPath: "spec.nats.account", ToFieldPath: "spec.triggers[0].metadata.account", Policy: apiv1.PatchPolicyOptional},
						},
					}},
				},
			},
		},
	}
}

// WebService is an HTTP workload with a persistent workspace, optional init container
// and external route.
func WebService() *apiv1.Composition {
	schema := workloadSchema("image")
	schema.Properties["port"] = intProp("Container and service port.", HTTPPort)
	schema.Properties["replicas"] = intProp("Desired replica count.", 1)
	schema.Properties["healthPath"] = stringProp("Liveness probe path.", "/health")
	schema.Properties["readyPath"] = stringProp("Readiness probe path.", "/ready")
	schema.Properties["hostname"] = apiextensionsv1.JSONSchemaProps{Type: "string", Description: "External hostname routed to the service.", Pattern: hostPattern}
	schema.Properties["gatewayName"] = stringProp("Gateway the route attaches to.", "platform-gateway")
	schema.Properties["gatewayNamespace"] = stringProp("Namespace of the gateway.", "gateway-system")
	schema.Properties["storageGB"] = apiextensionsv1.JSONSchemaProps{
		Type:        "integer",
		Description: "Size of the workspace volume in GiB.",
		Default:     ptr.To(mustJSON(10)),
		Minimum:     ptr.To[float64](1),
	}
	schema.Properties["initContainer"] = apiextensionsv1.JSONSchemaProps{
		Type:     "object",
		Required: []string{"image", "command"},
		Properties: map[string]apiextensionsv1.JSONSchemaProps{
			"image": {Type: "string"},
			"command": {
				Type:  "array",
				Items: &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &apiextensionsv1.JSONSchemaProps{Type: "string"}},
			},
		},
	}

	web := []apiv1.Patch{
		{FromFieldPath: "spec.replicas", ToFieldPath: "spec.replicas"},
		{FromFieldPath: "spec.port", ToFieldPath: "spec.template.spec.containers[0].ports[0].containerPort"},
		{FromFieldPath: "spec.healthPath", ToFieldPath: "spec.template.spec.containers[0].livenessProbe.httpGet.path"},
		{FromFieldPath: "spec.readyPath", ToFieldPath: "spec.template.spec.containers[0].readinessProbe.httpGet.path"},
		{FromFieldPath: "metadata.name", ToFieldPath: "spec.template.spec.volumes[0].persistentVolumeClaim.claimName", Transform: format("%s" + workspaceSuffix)},
	}
	init := []apiv1.Patch{
		{FromFieldPath: "spec.initContainer.image", ToFieldPath: "spec.template.spec.initContainers[0].image"},
		{FromFieldPath: "spec.initContainer.command", ToFieldPath: "spec.template.spec.initContainers[0].command", Transform: convert(apiv1.ConvertToArray)},
	}

	return &apiv1.Composition{
		TypeMeta:   metav1.TypeMeta{APIVersion: apiv1.SchemeGroupVersion.String(), Kind: "Composition"},
		ObjectMeta: metav1.ObjectMeta{Name: "webservice"},
		Spec: apiv1.CompositionSpec{
			ClaimRef:    apiv1.ClaimTypeRef{APIVersion: apiv1.SchemeGroupVersion.String(), Kind: "WebService"},
			Revision:    1,
			Schema:      schema,
			SecretSlots: MaxSecretSlots,
			Resources: []apiv1.ResourceTemplate{
				identityTemplate(),
				workspaceTemplate(),
				{
					Name:            "workload",
					Ordering:        1,
					ReadinessChecks: []string{deploymentAvailable},
					Variants: []apiv1.TemplateVariant{
						{
							Guard:   &apiv1.Guard{Present: []string{"spec.initContainer"}},
							Base:    typedBase(withWorkspace(deployment(&corev1.Container{Name: "init"}))),
							Patches: concat(workloadPatches(), web, init),
						},
						{
							Base:    typedBase(withWorkspace(deployment(nil))),
							Patches: concat(workloadPatches(), web),
						},
					},
				},
				endpointTemplate(true),
				{
					Name:            "route",
					Ordering:        2,
					ReadinessChecks: []string{routeAccepted},
					Variants: []apiv1.TemplateVariant{
						{
							Guard: &apiv1.Guard{Present: []string{"spec.hostname"}},
							Base: mustRaw(map[string]any{
								"apiVersion": "gateway.networking.k8s.io/v1",
								"kind":       "HTTPRoute",
								"spec": map[string]any{
									"parentRefs": []any{map[string]any{}},
									"rules": []any{map[string]any{
										"matches":     []any{map[string]any{"path": map[string]any{"type": "PathPrefix", "value": "/"}}},
										"backendRefs": []any{map[string]any{}},
									}},
								},
							}),
							Patches: []apiv1.Patch{
								{FromFieldPath: "spec.gatewayName", ToFieldPath: "spec.parentRefs[0].name"},
								{FromFieldPath: "spec.gatewayNamespace", ToFieldPath: "spec.parentRefs[0].namespace"},
								{FromFieldPath: "spec.hostname", ToFieldPath: "spec.hostnames", Transform: convert(apiv1.ConvertToArray)},
								{FromFieldPath: "metadata.name", ToFieldPath: "spec.rules[0].backendRefs[0].name", Transform: format("%s-http")},
								{FromFieldPath: "spec.port", ToFieldPath: "spec.rules[0].backendRefs[0].port"},
							},
						},
						{
							Guard: &apiv1.Guard{Absent: []string{"spec.hostname"}},
							Skip:  true,
						},
					},
				},
			},
		},
	}
}

func identityTemplate() apiv1.ResourceTemplate {
	return apiv1.ResourceTemplate{
		Name: "identity",
		Variants: []apiv1.TemplateVariant{{
			Base: typedBase(&corev1.ServiceAccount{TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "ServiceAccount"}}),
			Patches: []apiv1.Patch{
				{FromFieldPath: "metadata.name", ToFieldPath: fmt.Sprintf("metadata.labels[%q]", nameLabel)},
			},
		}},
	}
}

// workspaceTemplate is the claim's persistent volume, sized from spec.storageGB. It is
// written before the workload that mounts it.
func workspaceTemplate() apiv1.ResourceTemplate {
	pvc := &corev1.PersistentVolumeClaim{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
		},
	}
	return apiv1.ResourceTemplate{
		Name:            "workspace",
		NameSuffix:      workspaceSuffix,
		ReadinessChecks: []string{pvcBound},
		Variants: []apiv1.TemplateVariant{{
			Base: typedBase(pvc),
			Patches: []apiv1.Patch{
				{FromFieldPath: "metadata.name", ToFieldPath: fmt.Sprintf("metadata.labels[%q]", nameLabel)},
				{FromFieldPath: "spec.storageGB", ToFieldPath: "spec.resources.requests.storage", Transform: format("%sGi")},
			},
		}},
	}
}

// endpointTemplate exposes the workload's http port. The port is fixed unless
// configurable is set, in which case it follows spec.port.
func endpointTemplate(configurable bool) apiv1.ResourceTemplate {
	svc := &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       HTTPPort,
				Protocol:   corev1.ProtocolTCP,
				TargetPort: intstr.FromString("http"),
			}},
		},
	}
	patches := []apiv1.Patch{
		{FromFieldPath: "metadata.name", ToFieldPath: fmt.Sprintf("metadata.labels[%q]", nameLabel)},
		{FromFieldPath: "metadata.name", ToFieldPath: fmt.Sprintf("spec.selector[%q]", nameLabel)},
	}
	if configurable {
		patches = append(patches, apiv1.Patch{FromFieldPath: "spec.port", ToFieldPath: "spec.ports[0].port"})
	}
	return apiv1.ResourceTemplate{
		Name:       "endpoint",
		NameSuffix: "-http",
		Ordering:   1,
		Variants:   []apiv1.TemplateVariant{{Base: typedBase(svc), Patches: patches}},
	}
}

func deployment(init *corev1.Container) *appsv1.Deployment {
	d := &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "main",
						Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: HTTPPort, Protocol: corev1.ProtocolTCP}},
					}},
				},
			},
		},
	}
	if init != nil {
		d.Spec.Template.Spec.InitContainers = []corev1.Container{*init}
	}
	return d
}

// withWorkspace mounts the workspace volume into the main container. The claim name is
// patched in by the composition.
func withWorkspace(d *appsv1.Deployment) *appsv1.Deployment {
	d.Spec.Template.Spec.Volumes = []corev1.Volume{{
		Name:         "workspace",
		VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{}},
	}}
	main := &d.Spec.Template.Spec.Containers[0]
	main.VolumeMounts = append(main.VolumeMounts, corev1.VolumeMount{Name: "workspace", MountPath: WorkspaceMountPath})
	return d
}

// workloadPatches wire the identity, image, size class and secret slots into the
// deployment. Secret slots are appended in slot order so an unset slot leaves no gap.
func workloadPatches() []apiv1.Patch {
	patches := []apiv1.Patch{
		{FromFieldPath: "metadata.name", ToFieldPath: fmt.Sprintf("metadata.labels[%q]", nameLabel)},
		{FromFieldPath: "metadata.name", ToFieldPath: fmt.Sprintf("spec.selector.matchLabels[%q]", nameLabel)},
		{FromFieldPath: "metadata.name", ToFieldPath: fmt.Sprintf("spec.template.metadata.labels[%q]", nameLabel)},
		{FromFieldPath: "metadata.name", ToFieldPath: "spec.template.spec.serviceAccountName"},
		{FromFieldPath: "spec.image", ToFieldPath: "spec.template.spec.containers[0].image"},
		{FromFieldPath: "spec.size", ToFieldPath: "spec.template.spec.containers[0].resources", Transform: sizeTransform()},
	}
	for i := 1; i <= MaxSecretSlots; i++ {
		patches = append(patches, apiv1.Patch{
			FromFieldPath: "spec." + SecretSlotField(i),
			ToFieldPath:   "spec.template.spec.containers[0].envFrom[-].secretRef.name",
			Policy:        apiv1.PatchPolicyOptional,
			Reference:     &apiv1.ObjectReference{APIVersion: "v1", Kind: "Secret"},
		})
	}
	return patches
}

func workloadSchema(required ...string) *apiextensionsv1.JSONSchemaProps {
	s := &apiextensionsv1.JSONSchemaProps{
		Type:     "object",
		Required: required,
		Properties: map[string]apiextensionsv1.JSONSchemaProps{
			"image": {Type: "string", Description: "Container image of the workload."},
			"size":  sizeSchema(),
		},
	}
	for i := 1; i <= MaxSecretSlots; i++ {
		s.Properties[SecretSlotField(i)] = apiextensionsv1.JSONSchemaProps{
			Type:        "string",
			Description: "Secret exposed to the workload as environment variables.",
			Pattern:     dnsPattern,
		}
	}
	return s
}

func intProp(desc string, def int) apiextensionsv1.JSONSchemaProps {
	js := mustJSON(def)
	return apiextensionsv1.JSONSchemaProps{Type: "integer", Description: desc, Default: &js, Minimum: ptr.To[float64](0)}
}

func stringProp(desc, def string) apiextensionsv1.JSONSchemaProps {
	js := mustJSON(def)
	return apiextensionsv1.JSONSchemaProps{Type: "string", Description: desc, Default: &js}
}

func convert(to apiv1.ConvertType) *apiv1.Transform {
	return &apiv1.Transform{Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: to}}
}

func format(tmpl string) *apiv1.Transform {
	return &apiv1.Transform{Type: apiv1.TransformStringFormat, StringFormat: &apiv1.StringFormatTransform{Template: tmpl}}
}

func concat(groups ...[]apiv1.Patch) []apiv1.Patch {
	var out []apiv1.Patch
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// typedBase converts a typed object into a template base, dropping the empty values
// the typed structs always serialize.
func typedBase(obj runtime.Object) runtime.RawExtension {
	u, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		panic(fmt.Sprintf("converting %T: %s", obj, err))
	}
	delete(u, "status")
	prune(u)
	return mustRaw(u)
}

func prune(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			delete(m, k)
		case map[string]any:
			prune(val)
			if len(val) == 0 {
				delete(m, k)
			}
		case []any:
			for _, item := range val {
				if im, ok := item.(map[string]any); ok {
					prune(im)
				}
			}
		}
	}
}
