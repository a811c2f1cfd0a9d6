package main

import (
	"fmt"

	"github.com/percolation-labs/percolate/internal/auth"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Mint a service JWT for the configured secret",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject := "percolate-cli"
		if len(args) == 1 {
			subject = args[0]
		}

		svc, err := auth.NewService(cfg.Auth)
		if err != nil {
			return err
		}
		token, err := svc.IssueToken(subject)
		if err != nil {
			return err
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
