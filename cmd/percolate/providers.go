package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/percolation-labs/percolate/internal/provider"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage the provider registry",
}

var providersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List configured providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := provider.NewRegistry(cfg.Providers)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEME\tMODEL\tAUTH\tENDPOINT")
		for _, p := range registry.List() {
			name := p.Name
			if name == registry.DefaultName() {
				name += " *"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, p.Scheme, p.Model, p.AuthStyle, p.Endpoint)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersLsCmd)
}
