package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"loginpilot/internal/domain"
)

func newProfilesCmd(g *globalFlags) *cobra.Command {
	var (
		page     int
		pageSize int
		search   string
		health   bool
	)
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List profiles of the profile service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g, setupOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			client := a.profiles().Client(domain.ProfileServiceParams{})
			if health {
				if !client.CheckHealth(ctx) {
					return fmt.Errorf("profile service at %s is unreachable", a.cfg.ProfileService.APIURL)
				}
				fmt.Fprintf(out(cmd), "profile service at %s is reachable\n", a.cfg.ProfileService.APIURL)
				return nil
			}

			var profiles []domain.ProfileSummary
			if search != "" {
				p, err := client.FindByNameContains(ctx, search)
				if err != nil {
					return err
				}
				profiles = []domain.ProfileSummary{p}
			} else {
				profiles, err = client.ListProfiles(ctx, page, pageSize)
				if err != nil {
					return err
				}
			}

			tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS")
			for _, p := range profiles {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, p.Status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "profiles per page")
	cmd.Flags().StringVar(&search, "search", "", "show the first profile whose name contains this term")
	cmd.Flags().BoolVar(&health, "health", false, "only check that the profile service answers")
	return cmd
}
