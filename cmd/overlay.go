// File: cmd/overlay.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/observability"
)

func newOverlayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overlay",
		Short: "Toggle the host page and PDF picker overlay on the active tab",
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
			return runOverlay(cmd.Context(), s, cmd.OutOrStdout())
		},
	}
}

func runOverlay(ctx context.Context, s session, out io.Writer) error {
	state, err := s.ToggleOverlay(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "overlay %s\n", state)
	return err
}
