package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/bizmatters/compositor/internal/claim"
	"github.com/bizmatters/compositor/internal/composition"
	"github.com/bizmatters/compositor/pkg/loader"
)

type rootOptions struct {
	compositionDir string
	namespace      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "compositor",
		Short: "Offline tooling for compositions and claims",
		Long: `compositor runs the same validation and synthesis as the in-cluster controller
against local files, without contacting an apiserver.

Common workflows:
  compositor validate claim.yaml     Check claims against their composition schema
  compositor render claim.yaml       Print the resources a claim expands into
  compositor crd Worker              Print the CRD for a claim kind`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.compositionDir, "composition-dir", "", "Directory of composition manifests loaded in addition to the built-in compositions")
	cmd.PersistentFlags().StringVarP(&opts.namespace, "namespace", "n", "default", "Namespace assumed for claims that do not set one")

	cmd.AddCommand(newValidateCmd(opts), newRenderCmd(opts), newCRDCmd(opts))
	return cmd
}

func (o *rootOptions) registry() (*composition.Registry, error) {
	reg, err := composition.LoadRegistry(o.compositionDir)
	if err != nil {
		return nil, fmt.Errorf("loading compositions: %w", err)
	}
	return reg, nil
}

// loadClaims reads every object in the given files ("-" is stdin).
func (o *rootOptions) loadClaims(files []string) ([]*claim.Claim, error) {
	var claims []*claim.Claim
	for _, file := range files {
		objs, err := loader.LoadFile(file)
		if err != nil {
			return nil, err
		}
		for _, obj := range objs {
			if obj.GetNamespace() == "" {
				obj.SetNamespace(o.namespace)
			}
			c, err := claim.FromUnstructured(obj)
			if err != nil {
				return nil, fmt.Errorf("%s %q: %w", obj.GetKind(), obj.GetName(), err)
			}
			claims = append(claims, c)
		}
	}
	return claims, nil
}

// writeYAML prints objects as a multi-document YAML stream.
func writeYAML(w io.Writer, objs ...any) error {
	for i, obj := range objs {
		if u, ok := obj.(*unstructured.Unstructured); ok {
			obj = u.Object
		}
		b, err := yaml.Marshal(obj)
		if err != nil {
			return err
		}
		if i > 0 {
			if _, err := io.WriteString(w, "---\n"); err != nil {
				return err
			}
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
