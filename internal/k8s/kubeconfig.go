package k8s

import (
	"fmt"
	"os"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
)

// GetRESTConfig reads the given kubeconfig file, or falls back to the in-cluster
// and default kubeconfig discovery when no file is given.
func GetRESTConfig(filename string) (*rest.Config, error) {
	if filename == "" {
		return ctrl.GetConfig()
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading kubeconfig: %w", err)
	}
	cfg, err := clientcmd.RESTConfigFromKubeConfig(b)
	if err != nil {
		return nil, fmt.Errorf("parsing kubeconfig: %w", err)
	}
	return cfg, nil
}
