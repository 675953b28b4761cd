// File: cmd/serve.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/shotpaste/internal/observability"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep a browser session open and run commands read from stdin",
		Long: `serve connects once and then reads one command per line:

  capture   capture the active tab and paste it into the host frames
  overlay   toggle the overlay on the active tab
  quit      end the session`,
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
			return serve(cmd.Context(), s, cmd.InOrStdin(), cmd.OutOrStdout(), cfg.Flow().TriggerInterval)
		},
	}
}

// serve dispatches commands from in until it is exhausted, "quit" is read,
// or ctx ends. Failed commands are reported and the loop carries on.
func serve(ctx context.Context, s session, in io.Reader, out io.Writer, interval time.Duration) error {
	logger := observability.GetLogger().Named("serve")

	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "ready")
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		var err error
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "capture":
			if !limiter.Allow() {
				fmt.Fprintln(out, "capture ignored: triggered too soon")
				continue
			}
			err = runCapture(ctx, s, out)
		case "overlay":
			err = runOverlay(ctx, s, out)
		default:
			fmt.Fprintf(out, "unknown command %q\n", line)
			continue
		}

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Warn("Command failed", zap.String("command", line), zap.Error(err))
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}
