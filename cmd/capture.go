// File: cmd/capture.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/observability"
	"github.com/xkilldash9x/shotpaste/internal/orchestrator"
)

func newCaptureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture",
		Short: "Capture the active tab and paste it into the host frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.Close(); cerr != nil {
					observability.GetLogger().Warn("Failed to close browser session", zap.Error(cerr))
				}
			}()
			return runCapture(cmd.Context(), s, cmd.OutOrStdout())
		},
	}
}

func runCapture(ctx context.Context, s session, out io.Writer) error {
	report, err := s.Capture(ctx)
	if report != nil {
		printReport(out, report)
	}
	return err
}

// printReport writes one line per frame after a summary line.
func printReport(w io.Writer, r *orchestrator.Report) {
	fmt.Fprintf(w, "flow %s: tab %s, %d frame(s), %d automated\n", r.FlowID, r.TabID, len(r.Frames), len(r.Automated()))
	for _, f := range r.Frames {
		line := fmt.Sprintf("  %-14s %s", f.Outcome.Kind, f.URL)
		if f.Outcome.Error != "" {
			line += " (" + f.Outcome.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
}
