// File: cmd/app.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/browser"
	"github.com/xkilldash9x/shotpaste/internal/cdpdom"
	"github.com/xkilldash9x/shotpaste/internal/config"
	"github.com/xkilldash9x/shotpaste/internal/driver"
	"github.com/xkilldash9x/shotpaste/internal/handoff"
	"github.com/xkilldash9x/shotpaste/internal/helper"
	"github.com/xkilldash9x/shotpaste/internal/messenger"
	"github.com/xkilldash9x/shotpaste/internal/observability"
	"github.com/xkilldash9x/shotpaste/internal/orchestrator"
	"github.com/xkilldash9x/shotpaste/internal/overlay"
)

// session is what the commands drive. One session owns one browser
// connection.
type session interface {
	Capture(ctx context.Context) (*orchestrator.Report, error)
	ToggleOverlay(ctx context.Context) (overlay.State, error)
	Close() error
}

// newSession is swapped out in tests.
var newSession = func(ctx context.Context, cfg *config.Config, stderr io.Writer) (session, error) {
	return newBrowserSession(ctx, cfg, observability.GetLogger(), stderr)
}

type browserSession struct {
	manager *browser.Manager
	bus     *messenger.Bus
	orch    *orchestrator.Orchestrator
	overlay *overlay.Overlay
}

func newBrowserSession(ctx context.Context, cfg *config.Config, logger *zap.Logger, stderr io.Writer) (*browserSession, error) {
	manager, err := browser.NewManager(ctx, cfg.Browser(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	bus := messenger.New(logger)
	store := handoff.NewStore(logger)
	poll := cfg.Automation().PollInterval
	timeout := cfg.Browser().CommandTimeout

	orch, err := orchestrator.New(cfg, orchestrator.Dependencies{
		Platform: manager,
		Helper:   helper.New(store, bus, helper.NewCDPClipboard(manager), logger),
		Store:    store,
		Bus:      bus,
		Notifier: orchestrator.Notifiers{
			orchestrator.NewLogNotifier(logger),
			orchestrator.NewWriterNotifier(stderr),
		},
		Documents: func(f browser.Frame) driver.Document {
			return cdpdom.New(f, poll, timeout, logger)
		},
	}, logger)
	if err != nil {
		bus.Shutdown()
		_ = manager.Close()
		return nil, err
	}

	return &browserSession{
		manager: manager,
		bus:     bus,
		orch:    orch,
		overlay: overlay.New(manager, cfg.Flow().OverlayURL, logger),
	}, nil
}

func (s *browserSession) Capture(ctx context.Context) (*orchestrator.Report, error) {
	return s.orch.Capture(ctx)
}

func (s *browserSession) ToggleOverlay(ctx context.Context) (overlay.State, error) {
	return s.overlay.Toggle(ctx)
}

func (s *browserSession) Close() error {
	s.bus.Shutdown()
	return s.manager.Close()
}

// openSession connects a session for a command.
func openSession(ctx context.Context, cfg *config.Config) (session, error) {
	return newSession(ctx, cfg, os.Stderr)
}
