package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bizmatters/compositor/internal/synthesis"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check claims against the schema of their composition",
		Long: `Validates every claim in the given files and fully synthesizes it, reporting
the first problem found for each claim. Exits non-zero if any claim is invalid.`,
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

			out := cmd.OutOrStdout()
			var failed int
			for _, c := range claims {
				comp, err := reg.Resolve(c)
				if err == nil {
					_, err = synthesis.Synthesize(comp, c)
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: %s\n", c.Identity(), err)
					continue
				}
				fmt.Fprintf(out, "%s: valid\n", c.Identity())
			}
			if failed > 0 {
				return errors.New(pluralize(failed, "invalid claim"))
			}
			return nil
		},
	}
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
