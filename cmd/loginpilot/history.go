package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"loginpilot/internal/adapter/store"
	"loginpilot/internal/usecase/orchestrator"
)

var errStoreDisabled = errors.New("run history is disabled (store.enabled: false)")

func newRunsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g, setupOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.openStore()
			if err != nil {
				return err
			}
			if s == nil {
				return errStoreDisabled
			}

			runs, err := s.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tTOTAL\tSUCCESS\tFAILED\tATTENTION\tSTATE")
			for _, r := range runs {
				state := "finished"
				if r.FinishedAt.IsZero() {
					state = "incomplete"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Total,
					r.Counters.Success, r.Counters.Error, r.Counters.ActionRequired, state)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show, 0 for all")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		runID  string
		output string
		format string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the entries of a recorded run",
		Long: `export writes the recorded entries of a run as CSV or XLSX. Recorded
runs keep only a token hint, never the full token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g, setupOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.openStore()
			if err != nil {
				return err
			}
			if s == nil {
				return errStoreDisabled
			}

			if runID == "" {
				runs, err := s.ListRuns(ctx, 1)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					return errors.New("no recorded runs")
				}
				runID = runs[0].ID
			}
			entries, err := s.RunEntries(ctx, runID)
			if err != nil {
				return err
			}
			if err := writeTable(output, format, orchestrator.ExportHeader, exportValues(entries)); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "exported %d entries of run %s to %s\n", len(entries), runID, output)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id (default: latest)")
	cmd.Flags().StringVarP(&output, "output", "o", "results.csv", "output file")
	cmd.Flags().StringVar(&format, "format", "", "csv or xlsx (default: from extension)")
	return cmd
}

func exportValues(entries []store.EntryRecord) [][]string {
	values := make([][]string, len(entries))
	for i, e := range entries {
		values[i] = orchestrator.ExportRow{
			Name:     e.ProfileName,
			ID:       e.ProfileID,
			Token:    e.TokenHint,
			Username: e.Username,
			Status:   orchestrator.StatusLabel(e.Status),
			Message:  e.Message,
		}.Values()
	}
	return values
}
