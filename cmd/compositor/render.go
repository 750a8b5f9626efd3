package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bizmatters/compositor/internal/synthesis"
)

func newRenderCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "render FILE...",
		Short: "Print the resources claims expand into",
		Long: `Synthesizes every claim in the given files and prints the desired resources
as a YAML stream in apply order. Nothing is printed unless every claim synthesizes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := opts.registry()
			if err != nil {
				return err
			}
			claims, err := opts.loadClaims(args)
			if err != nil {
				return err
			}

			var objs []any
			for _, c := range claims {
				comp, err := reg.Resolve(c)
				if err != nil {
					return fmt.Errorf("%s: %w", c.Identity(), err)
				}
				set, err := synthesis.Synthesize(comp, c)
				if err != nil {
					return fmt.Errorf("%s: %w", c.Identity(), err)
				}
				for _, res := range set.Resources {
					objs = append(objs, res.Object)
				}
			}
			return writeYAML(cmd.OutOrStdout(), objs...)
		},
	}
}
