package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"loginpilot/internal/adapter/sheet"
	"loginpilot/internal/adapter/tui/monitor"
	"loginpilot/internal/domain"
	"loginpilot/internal/usecase/eventbus"
	"loginpilot/internal/usecase/orchestrator"
)

type runFlags struct {
	input       string
	inputFormat string
	output      string
	outFormat   string
	concurrency int
	pipelineURL string
	autoMatch   bool
	keepOpen    bool
	noTUI       bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Verify a list of tokens",
		Long: `run reads one account per line and verifies each one. Lines hold
"name,profile_id,token", "profile_id,token" or just "token"; columns may be
separated by ",", "|" or ":". Input may be text, CSV or XLSX (first sheet).`,
		Example: `  loginpilot run -i accounts.txt -o results.csv
  loginpilot run -i accounts.xlsx --concurrency 3 --no-tui`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBulk(cmd, g, f)
		},
	}
	cmd.Flags().StringVarP(&f.input, "input", "i", "-", "input file, - for stdin")
	cmd.Flags().StringVar(&f.inputFormat, "input-format", "", "text, csv or xlsx (default: from extension)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write results to this file")
	cmd.Flags().StringVar(&f.outFormat, "output-format", "", "csv or xlsx (default: from extension)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, fmt.Sprintf("parallel sessions, 1-%d (overrides orchestrator.concurrency)", orchestrator.MaxConcurrency))
	cmd.Flags().StringVar(&f.pipelineURL, "pipeline-url", "", "run sessions on a remote loginpilot serve instance")
	cmd.Flags().BoolVar(&f.autoMatch, "auto-match", false, "pick the first profile whose name contains the search term")
	cmd.Flags().BoolVar(&f.keepOpen, "keep-open", false, "leave profiles running after verification")
	cmd.Flags().BoolVar(&f.noTUI, "no-tui", false, "print plain progress lines instead of the live view")
	return cmd
}

func runBulk(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, g, setupOptions{logToFile: !f.noTUI})
	if err != nil {
		return err
	}
	defer a.Close()

	text, err := readInput(cmd.InOrStdin(), f.input, f.inputFormat)
	if err != nil {
		return err
	}

	rec, err := a.openStore()
	if err != nil {
		return err
	}
	var recorder orchestrator.Recorder
	if rec != nil {
		recorder = rec
	}

	oc := a.cfg.Orchestrator
	if f.concurrency > 0 {
		oc.Concurrency = f.concurrency
	}
	if f.pipelineURL != "" {
		oc.PipelineURL = f.pipelineURL
	}

	bus := eventbus.New(a.logger)
	defer bus.Close()

	o := orchestrator.New(orchestrator.Config{
		Concurrency:      oc.Concurrency,
		StaggerDelay:     oc.StaggerDelay,
		PausePoll:        oc.PausePoll,
		LogCapacity:      oc.LogCapacity,
		AutoMatchProfile: f.autoMatch,
		CloseAfterLogin:  oc.CloseAfterLogin && !f.keepOpen,
	}, a.runner(oc.PipelineURL), bus, recorder, a.logger)

	n, err := o.Import(text)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no accounts found in %s", f.input)
	}

	var counters domain.StatusCounters
	if f.noTUI {
		unsubscribe := bus.Subscribe(domain.EventEntryUpdated, printEntry(cmd.ErrOrStderr()))
		counters, err = o.Run(ctx)
		unsubscribe()
	} else {
		counters, err = monitor.Run(ctx, monitor.Deps{Source: o, Bus: bus, Title: "loginpilot run"}, o.Run)
	}

	if f.output != "" {
		if werr := writeResults(f.output, f.outFormat, o.Rows()); werr != nil {
			return errors.Join(err, werr)
		}
	}
	fmt.Fprintf(out(cmd), "run %s: %d success, %d failed, %d need attention, %d pending\n",
		o.RunID(), counters.Success, counters.Error, counters.ActionRequired, counters.Pending)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// printEntry writes one line per terminal entry update.
func printEntry(w io.Writer) func(context.Context, domain.Event) {
	return func(_ context.Context, ev domain.Event) {
		p, err := eventbus.Decode[domain.EntryUpdatedPayload](ev)
		if err != nil || !p.Entry.Status.Terminal() {
			return
		}
		e := p.Entry
		label := e.ProfileName
		if label == "" {
			label = e.ProfileID
		}
		fmt.Fprintf(w, "[%d] %-16s %-16s %s\n", e.Index+1, label, orchestrator.StatusLabel(e.Status), e.Message)
	}
}

func readInput(stdin io.Reader, path, format string) (string, error) {
	fmtName := format
	if fmtName == "" {
		fmtName = string(sheet.FormatFromPath(path))
	}
	f, err := sheet.ParseFormat(fmtName)
	if err != nil {
		return "", err
	}

	r := stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open input: %w", err)
		}
		defer file.Close()
		r = file
	}
	lines, err := sheet.ReadLines(r, f)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func writeResults(path, format string, rows []orchestrator.ExportRow) error {
	values := make([][]string, len(rows))
	for i, r := range rows {
		values[i] = r.Values()
	}
	return writeTable(path, format, orchestrator.ExportHeader, values)
}

func writeTable(path, format string, header []string, values [][]string) error {
	fmtName := format
	if fmtName == "" {
		fmtName = string(sheet.FormatFromPath(path))
	}
	f, err := sheet.ParseFormat(fmtName)
	if err != nil {
		return err
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := sheet.Write(file, f, header, values); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ensureDir creates the parent directory of a file path.
func ensureDir(path string) error {
	switch path {
	case "", "-", "stdout", "stderr":
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return nil
}
