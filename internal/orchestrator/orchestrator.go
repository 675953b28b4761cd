// internal/orchestrator/orchestrator.go
// Runs the capture flow: capture the active tab, hand the image to the
// helper for the clipboard copy, then dispatch drivers to the host frames.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/shotpaste/internal/browser"
	"github.com/xkilldash9x/shotpaste/internal/config"
	"github.com/xkilldash9x/shotpaste/internal/driver"
	"github.com/xkilldash9x/shotpaste/internal/handoff"
	"github.com/xkilldash9x/shotpaste/internal/helper"
	"github.com/xkilldash9x/shotpaste/internal/messenger"
)

// cleanupTimeout bounds tab cleanup that runs after the caller's context ended.
const cleanupTimeout = 5 * time.Second

// Platform is the browser surface the flow drives.
type Platform interface {
	ActiveTab(ctx context.Context) (browser.Tab, error)
	CaptureVisible(ctx context.Context, tabID string) (string, error)
	OpenTab(ctx context.Context, html string) (string, error)
	ActivateTab(ctx context.Context, tabID string) error
	CloseTab(ctx context.Context, tabID string) error
	Frames(ctx context.Context, tabID, prefix string) ([]browser.Frame, error)
}

// HelperRunner runs the copy step in a helper tab. *helper.Helper satisfies it.
type HelperRunner interface {
	Run(ctx context.Context, tabID string, ticket handoff.Ticket) error
}

// DocumentFactory binds a frame to the document a driver runs against.
type DocumentFactory func(frame browser.Frame) driver.Document

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Platform  Platform
	Helper    HelperRunner
	Store     *handoff.Store
	Bus       *messenger.Bus
	Notifier  Notifier
	Documents DocumentFactory
}

// Orchestrator owns the capture flow. Flows are serialized: the handoff
// store has a single slot.
type Orchestrator struct {
	deps       Dependencies
	flow       config.FlowConfig
	automation config.AutomationConfig
	logger     *zap.Logger

	mu    sync.Mutex
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(cfg config.Interface, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil ||
		logger == nil ||
		deps.Platform == nil ||
		deps.Helper == nil ||
		deps.Store == nil ||
		deps.Bus == nil ||
		deps.Documents == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(logger)
	}
	return &Orchestrator{
		deps:       deps,
		flow:       cfg.Flow(),
		automation: cfg.Automation(),
		logger:     logger.Named("orchestrator"),
		sleep:      sleepCtx,
	}, nil
}

// Capture runs one complete flow. The report is returned even when the flow
// failed, with as much as was learned; the error is a *PipelineError.
func (o *Orchestrator) Capture(ctx context.Context) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	report := &Report{FlowID: uuid.NewString()}
	log := o.logger.With(zap.String("flow_id", report.FlowID))

	tab, err := o.deps.Platform.ActiveTab(ctx)
	if err != nil {
		return report, o.fail(ctx, log, pipelineError(StageActiveTab, err))
	}
	report.TabID = tab.ID
	log = log.With(zap.String("tab_id", tab.ID))

	dataURL, err := o.deps.Platform.CaptureVisible(ctx, tab.ID)
	if err != nil {
		return report, o.fail(ctx, log, pipelineError(StageCapture, err))
	}
	log.Info("Visible tab captured.", zap.Int("bytes", len(dataURL)))

	ticket := o.deps.Store.Put(dataURL, tab.ID)

	// Listen before the helper exists so its report cannot be missed.
	inbox, release, err := o.deps.Bus.Inbox(messenger.Orchestrator(), 4, messenger.TypeCopyComplete, messenger.TypeCopyFailed)
	if err != nil {
		o.deps.Store.Clear(ticket)
		return report, o.fail(ctx, log, pipelineError(StageHelper, err))
	}
	defer release()

	helperTab, err := o.deps.Platform.OpenTab(ctx, helper.Page)
	if err != nil {
		o.deps.Store.Clear(ticket)
		return report, o.fail(ctx, log, pipelineError(StageHelper, err))
	}
	report.HelperTab = helperTab
	log = log.With(zap.String("helper_tab", helperTab))

	helperCtx, cancelHelper := context.WithTimeout(ctx, o.flow.HelperTimeout)
	defer cancelHelper()
	go func() {
		if err := o.deps.Helper.Run(helperCtx, helperTab, ticket); err != nil {
			log.Warn("Helper could not report.", zap.Error(err))
		}
	}()

	msg, err := o.awaitHelper(ctx, inbox, helperTab, ticket)
	if err == nil && msg.Type == messenger.TypeCopyFailed {
		err = errors.New(msg.Error)
	}
	if err != nil {
		o.abort(ctx, log, helperTab, ticket)
		return report, o.fail(ctx, log, pipelineError(StageCopy, err))
	}

	original := msg.TabID
	if original == "" {
		original = tab.ID
	}
	frames, err := o.complete(ctx, log, original, helperTab, ticket)
	report.Frames = frames
	if err != nil {
		return report, o.fail(ctx, log, pipelineError(StageAutomation, err))
	}

	log.Info("Capture flow finished.",
		zap.Int("frames", len(frames)),
		zap.Int("automated", len(report.Automated())))
	return report, nil
}

// awaitHelper waits for the copy result of the helper in helperTab for
// ticket. Messages from other helpers or older flows are ignored.
func (o *Orchestrator) awaitHelper(ctx context.Context, inbox <-chan messenger.Envelope, helperTab string, ticket handoff.Ticket) (messenger.Message, error) {
	timer := time.NewTimer(o.flow.HelperTimeout)
	defer timer.Stop()

	from := messenger.Helper(helperTab)
	for {
		select {
		case env, ok := <-inbox:
			if !ok {
				return messenger.Message{}, messenger.ErrShutdown
			}
			if env.From != from || env.Message.Seq != uint64(ticket) {
				o.logger.Debug("Ignoring message from another flow.",
					zap.Stringer("from", env.From),
					zap.Uint64("seq", env.Message.Seq))
				continue
			}
			return env.Message, nil
		case <-timer.C:
			return messenger.Message{}, fmt.Errorf("%w after %v", ErrHelperTimeout, o.flow.HelperTimeout)
		case <-ctx.Done():
			return messenger.Message{}, ctx.Err()
		}
	}
}

// complete runs the post-copy half of the flow and returns per-frame results.
func (o *Orchestrator) complete(ctx context.Context, log *zap.Logger, tabID, helperTab string, ticket handoff.Ticket) ([]FrameOutcome, error) {
	if err := o.deps.Platform.ActivateTab(ctx, tabID); err != nil {
		o.abort(ctx, log, helperTab, ticket)
		return nil, fmt.Errorf("activate original tab: %w", err)
	}
	if err := o.sleep(ctx, o.flow.FocusSettle); err != nil {
		o.abort(ctx, log, helperTab, ticket)
		return nil, err
	}
	o.closeHelper(ctx, log, helperTab)

	rec, err := o.deps.Store.Take(ticket)
	if err != nil {
		return nil, fmt.Errorf("take %s: %w", handoff.KeyPendingScreenshot, err)
	}

	frames, err := o.deps.Platform.Frames(ctx, tabID, o.flow.HostPrefix)
	if err != nil {
		return nil, fmt.Errorf("enumerate frames: %w", err)
	}
	if len(frames) == 0 {
		log.Warn("No frame matches the host prefix.", zap.String("prefix", o.flow.HostPrefix))
		return nil, nil
	}
	return o.dispatch(ctx, tabID, frames, rec.Payload), nil
}

// dispatch runs a driver in every frame concurrently. A failing frame never
// affects the others.
func (o *Orchestrator) dispatch(ctx context.Context, tabID string, frames []browser.Frame, payload string) []FrameOutcome {
	results := make([]FrameOutcome, len(frames))
	var g errgroup.Group
	for i, f := range frames {
		g.Go(func() error {
			results[i] = o.runFrame(ctx, tabID, f, payload)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) runFrame(ctx context.Context, tabID string, f browser.Frame, payload string) FrameOutcome {
	res := FrameOutcome{FrameID: string(f.ID), URL: f.URL}
	addr := messenger.Driver(tabID, string(f.ID))
	log := o.logger.With(zap.Stringer("driver", addr))

	d := driver.New(o.deps.Documents(f), o.automation, o.logger)
	release, err := d.Bind(o.deps.Bus, addr)
	if err != nil {
		res.Outcome = driver.Outcome{Kind: driver.OutcomePipelineError, Error: err.Error()}
		return res
	}
	defer release()

	reqCtx, cancel := context.WithTimeout(ctx, o.flow.DriverTimeout)
	defer cancel()
	reply, err := o.deps.Bus.Request(reqCtx, messenger.Orchestrator(), addr, messenger.RunAutomation(payload))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = driver.Outcome{Kind: driver.OutcomeTimeout, Error: err.Error()}
	case err != nil:
		res.Outcome = driver.Outcome{Kind: driver.OutcomePipelineError, Error: err.Error()}
	default:
		kind, perr := driver.ParseOutcomeKind(reply.Outcome)
		if perr != nil {
			log.Warn("Driver replied with an unknown outcome.", zap.String("outcome", reply.Outcome))
		}
		res.Outcome = driver.Outcome{Kind: kind, Error: reply.Error}
	}

	log.Info("Driver finished.", zap.Stringer("outcome", res.Outcome.Kind), zap.String("error", res.Outcome.Error))
	return res
}

// abort closes the helper tab and drops the record if it still belongs to
// this flow, so a stale payload never reaches a later flow.
func (o *Orchestrator) abort(ctx context.Context, log *zap.Logger, helperTab string, ticket handoff.Ticket) {
	o.closeHelper(ctx, log, helperTab)
	if o.deps.Store.Clear(ticket) {
		log.Debug("Pending record cleared.", zap.Uint64("seq", uint64(ticket)))
	}
}

func (o *Orchestrator) closeHelper(ctx context.Context, log *zap.Logger, helperTab string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.deps.Platform.CloseTab(cctx, helperTab); err != nil {
		log.Warn("Could not close helper tab.", zap.Error(err))
	}
}

// fail logs and surfaces err through the notifier, then returns it.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, err *PipelineError) error {
	log.Error("Capture flow failed.", zap.String("stage", string(err.Stage)), zap.Error(err.Err))
	o.deps.Notifier.Notify(context.WithoutCancel(ctx), "Screenshot failed", err.Err.Error())
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
