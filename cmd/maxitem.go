package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hnsnap/internal/server"
)

func newMaxItemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maxitem",
		Short: "Print the current largest item id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			client := server.NewClient(e.cfg.API, nil, e.logger.Named("fetcher"))
			id, err := client.MaxItem(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch maxitem: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func newUpdatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "updates",
		Short: "Print recently changed item ids and profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			client := server.NewClient(e.cfg.API, nil, e.logger.Named("fetcher"))
			u, err := client.Updates(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch updates: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, id := range u.Items {
				if _, err := fmt.Fprintf(out, "item\t%d\n", id); err != nil {
					return err
				}
			}
			for _, name := range u.Profiles {
				if _, err := fmt.Fprintf(out, "user\t%s\n", name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
