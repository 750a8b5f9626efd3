package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bizmatters/compositor/internal/composition"
)

func newCRDCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "crd [KIND...]",
		Short: "Print the CustomResourceDefinitions of claim kinds",
		Long:  `Prints the CRD of each named claim kind, or of every registered kind when none is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := opts.registry()
			if err != nil {
				return err
			}

			comps := reg.Compositions()
			if len(args) > 0 {
				comps = make([]*composition.Compiled, 0, len(args))
				for _, kind := range args {
					comp, ok := reg.LookupKind(kind)
					if !ok {
						return fmt.Errorf("no composition is registered for kind %q", kind)
					}
					comps = append(comps, comp)
				}
			}

			objs := make([]any, len(comps))
			for i, comp := range comps {
				objs[i] = comp.CRD()
			}
			return writeYAML(cmd.OutOrStdout(), objs...)
		},
	}
}
