// internal/driver/driver.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/config"
	"github.com/xkilldash9x/shotpaste/internal/messenger"
	"github.com/xkilldash9x/shotpaste/internal/waiter"
)

// ErrWrongContext signals that the frame lacks the menu trigger and is not
// the automation target.
var ErrWrongContext = errors.New("driver: menu trigger not present in this frame")

// Element is the set of interactions the driver performs on a matched node.
type Element interface {
	Click(ctx context.Context) error
	Focus(ctx context.Context) error
	Text(ctx context.Context) (string, error)
	// Paste dispatches a synthetic paste event carrying the attachment.
	Paste(ctx context.Context, file Attachment) error
	// AppendParagraph appends a text block, moves the cursor to its end and
	// dispatches input-changed notifications.
	AppendParagraph(ctx context.Context, text string) error
}

// Document is the page view the driver runs against. Query must return
// values implementing Element.
type Document interface {
	waiter.Document
}

// Driver performs the fixed interaction sequence against one frame.
type Driver struct {
	doc    Document
	waiter *waiter.Waiter
	cfg    config.AutomationConfig
	logger *zap.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a driver bound to doc.
func New(doc Document, cfg config.AutomationConfig, logger *zap.Logger) *Driver {
	log := logger.Named("driver")
	return &Driver{
		doc:    doc,
		waiter: waiter.New(log),
		cfg:    cfg,
		logger: log,
		sleep:  sleepCtx,
	}
}

// Run executes the sequence with the optional image data URL. Every failure,
// including a panic, is converted into the returned Outcome.
func (d *Driver) Run(ctx context.Context, imageData string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic during automation.", zap.Any("panic_reason", r), zap.String("stack", string(debug.Stack())))
			out = failed(OutcomePipelineError, fmt.Errorf("driver: panic: %v", r))
		}
	}()

	d.logger.Info("Starting automation.", zap.Bool("has_image", imageData != ""), zap.Int("image_len", len(imageData)))

	// 1. EnsureMode
	if err := d.ensureMode(ctx); err != nil {
		return d.classify("ensure_mode", err)
	}

	// 2. LocateInput
	textbox, err := d.locateInput(ctx)
	if err != nil {
		return d.classify("locate_input", err)
	}

	// 3. InsertImage
	if err := d.insertImage(ctx, textbox, imageData); err != nil {
		return d.classify("insert_image", err)
	}

	// 4. InsertText
	if err := d.insertText(ctx, textbox); err != nil {
		return d.classify("insert_text", err)
	}

	d.logger.Info("Automation completed successfully.")
	return succeeded()
}

func (d *Driver) ensureMode(ctx context.Context) error {
	active, err := d.query(ctx, d.cfg.ModeActive)
	if err != nil {
		return err
	}
	if active != nil {
		d.logger.Debug("Mode already active, skipping selection.")
		return nil
	}

	trigger, err := d.query(ctx, d.cfg.MenuTrigger)
	if err != nil {
		return err
	}
	if trigger == nil {
		return ErrWrongContext
	}
	if err := trigger.Click(ctx); err != nil {
		return fmt.Errorf("click menu trigger: %w", err)
	}

	entry, err := d.wait(ctx, d.cfg.ModeEntry, d.cfg.WaitTimeout)
	if err != nil {
		return err
	}
	if err := entry.Click(ctx); err != nil {
		return fmt.Errorf("click mode entry: %w", err)
	}
	return nil
}

func (d *Driver) locateInput(ctx context.Context) (Element, error) {
	if err := d.sleep(ctx, d.cfg.InputSettle); err != nil {
		return nil, err
	}
	textbox, err := d.wait(ctx, d.cfg.TextRegion, d.cfg.WaitTimeout)
	if err != nil {
		return nil, err
	}
	if err := textbox.Focus(ctx); err != nil {
		return nil, fmt.Errorf("focus text region: %w", err)
	}
	return textbox, nil
}

func (d *Driver) insertImage(ctx context.Context, textbox Element, imageData string) error {
	preview, err := d.query(ctx, d.cfg.ImagePreview)
	if err != nil {
		return err
	}
	if preview != nil {
		d.logger.Debug("Image already present, skipping paste.")
		return nil
	}
	if imageData == "" {
		d.logger.Warn("No image data received, skipping paste.")
		return nil
	}

	file, err := DecodeDataURL(d.attachmentName(), imageData)
	if err != nil {
		return err
	}
	if err := textbox.Paste(ctx, file); err != nil {
		return fmt.Errorf("dispatch paste: %w", err)
	}
	d.logger.Debug("Paste event dispatched.", zap.Int("bytes", len(file.Data)))

	// The host page processes the paste asynchronously; its preview marker is
	// the readiness signal, bounded by PasteSettle.
	if d.cfg.PasteSettle > 0 {
		if _, err := d.wait(ctx, d.cfg.ImagePreview, d.cfg.PasteSettle); err != nil {
			if !errors.Is(err, waiter.ErrTimeout) {
				return err
			}
			d.logger.Debug("Preview marker did not appear within the settle window.", zap.Duration("settle", d.cfg.PasteSettle))
		}
	}
	return nil
}

func (d *Driver) insertText(ctx context.Context, textbox Element) error {
	text, err := textbox.Text(ctx)
	if err != nil {
		return fmt.Errorf("read text region: %w", err)
	}
	if strings.Contains(text, d.cfg.Phrase) {
		d.logger.Debug("Prompt text already present, skipping insertion.")
		return nil
	}
	if err := textbox.AppendParagraph(ctx, d.cfg.Phrase+"."); err != nil {
		return fmt.Errorf("append prompt: %w", err)
	}
	return nil
}

func (d *Driver) attachmentName() string {
	if d.cfg.AttachmentName != "" {
		return d.cfg.AttachmentName
	}
	return "screenshot.png"
}

// query looks selector up once; a nil Element means no match.
func (d *Driver) query(ctx context.Context, selector string) (Element, error) {
	found, err := d.doc.Query(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("query '%s': %w", selector, err)
	}
	return asElement(found, selector)
}

func (d *Driver) wait(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	found, err := d.waiter.Wait(ctx, d.doc, waiter.Within(selector, timeout))
	if err != nil {
		return nil, err
	}
	return asElement(found, selector)
}

func asElement(found waiter.Element, selector string) (Element, error) {
	if found == nil {
		return nil, nil
	}
	el, ok := found.(Element)
	if !ok {
		return nil, fmt.Errorf("driver: match for '%s' is not interactable (%T)", selector, found)
	}
	return el, nil
}

func (d *Driver) classify(step string, err error) Outcome {
	switch {
	case errors.Is(err, ErrWrongContext):
		d.logger.Info("Menu trigger not found in this frame, skipping.")
		return failed(OutcomeWrongContext, err)
	case errors.Is(err, waiter.ErrTimeout):
		d.logger.Warn("Automation step timed out.", zap.String("step", step), zap.Error(err))
		return failed(OutcomeTimeout, err)
	default:
		d.logger.Error("Automation step failed.", zap.String("step", step), zap.Error(err))
		return failed(OutcomePipelineError, err)
	}
}

// Bind registers the driver at addr so RunAutomation messages reach it. The
// reply is sent asynchronously once the run completes. The returned function
// unregisters the driver and waits for runs in progress.
func (d *Driver) Bind(bus *messenger.Bus, addr messenger.Address) (func(), error) {
	unregister, err := bus.Register(addr, messenger.HandlerFunc(d.handle))
	if err != nil {
		return nil, err
	}
	return func() {
		unregister()
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.wg.Wait()
	}, nil
}

func (d *Driver) handle(ctx context.Context, env messenger.Envelope, reply messenger.Replier) bool {
	if env.Message.Type != messenger.TypeRunAutomation {
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		out := d.Run(ctx, env.Message.ImageData)
		if err := reply.Reply(messenger.AutomationResult(out.Success(), out.Kind.String(), out.Error)); err != nil &&
			!errors.Is(err, messenger.ErrNoReplyChannel) {
			d.logger.Warn("Could not deliver automation result.", zap.Error(err))
		}
	}()
	return true
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
