// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/shotpaste/internal/browser"
	"github.com/xkilldash9x/shotpaste/internal/config"
	"github.com/xkilldash9x/shotpaste/internal/driver"
	"github.com/xkilldash9x/shotpaste/internal/handoff"
	"github.com/xkilldash9x/shotpaste/internal/helper"
	"github.com/xkilldash9x/shotpaste/internal/messenger"
	"github.com/xkilldash9x/shotpaste/internal/waiter"
)

const screenshot = "data:image/png;base64,iVBORw0KGgo="

// -- Fakes --

type fakePlatform struct {
	mu sync.Mutex

	activeTab  browser.Tab
	activeErr  error
	captureErr error
	openErr    error
	frames     []browser.Frame

	calls []string
}

func (p *fakePlatform) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlatform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePlatform) ActiveTab(context.Context) (browser.Tab, error) {
	p.record("active")
	return p.activeTab, p.activeErr
}

func (p *fakePlatform) CaptureVisible(_ context.Context, tabID string) (string, error) {
	p.record("capture " + tabID)
	if p.captureErr != nil {
		return "", p.captureErr
	}
	return screenshot, nil
}

func (p *fakePlatform) OpenTab(_ context.Context, html string) (string, error) {
	p.record("open")
	if p.openErr != nil {
		return "", p.openErr
	}
	if html != helper.Page {
		return "", errors.New("unexpected helper page")
	}
	return "H1", nil
}

func (p *fakePlatform) ActivateTab(_ context.Context, tabID string) error {
	p.record("activate " + tabID)
	return nil
}

func (p *fakePlatform) CloseTab(_ context.Context, tabID string) error {
	p.record("close " + tabID)
	return nil
}

func (p *fakePlatform) Frames(_ context.Context, tabID, prefix string) ([]browser.Frame, error) {
	p.record("frames " + tabID + " " + prefix)
	return p.frames, nil
}

type fakeClipboard struct{ err error }

func (c fakeClipboard) WriteImage(context.Context, string, string) error { return c.err }

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, title+": "+message)
}

// hostDocument is a minimal page: a map of present selectors and the
// elements behind them.
type hostDocument struct {
	mu      sync.Mutex
	present map[string]*hostElement
	pasted  []driver.Attachment
	texts   []string
}

type hostElement struct {
	doc  *hostDocument
	text string
}

func (e *hostElement) Click(context.Context) error { return nil }

func (e *hostElement) Focus(context.Context) error { return nil }

func (e *hostElement) Text(context.Context) (string, error) { return e.text, nil }

func (e *hostElement) Paste(_ context.Context, file driver.Attachment) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.pasted = append(e.doc.pasted, file)
	return nil
}

func (e *hostElement) AppendParagraph(_ context.Context, text string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.texts = append(e.doc.texts, text)
	return nil
}

func newHostDocument(selectors ...string) *hostDocument {
	d := &hostDocument{present: make(map[string]*hostElement)}
	for _, s := range selectors {
		d.present[s] = &hostElement{doc: d}
	}
	return d
}

func (d *hostDocument) Query(_ context.Context, selector string) (waiter.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.present[selector]; ok {
		return el, nil
	}
	return nil, nil
}

func (d *hostDocument) Observe(context.Context) (waiter.Observation, error) {
	return waiter.NewSubscription(nil), nil
}

// hungDocument never answers a query until the caller gives up, like a frame
// whose renderer stopped responding.
type hungDocument struct{}

func (hungDocument) Query(ctx context.Context, _ string) (waiter.Element, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hungDocument) Observe(context.Context) (waiter.Observation, error) {
	return waiter.NewSubscription(nil), nil
}

// -- Fixture --

type fixture struct {
	cfg      *config.Config
	platform *fakePlatform
	store    *handoff.Store
	bus      *messenger.Bus
	notifier *recordingNotifier
	docs     map[string]*hostDocument
	custom   map[string]driver.Document
	helper   HelperRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.NewDefaultConfig()
	cfg.FlowCfg.FocusSettle = 0
	cfg.FlowCfg.HelperTimeout = 500 * time.Millisecond
	cfg.FlowCfg.DriverTimeout = 2 * time.Second
	cfg.AutomationCfg.WaitTimeout = 50 * time.Millisecond
	cfg.AutomationCfg.InputSettle = 0
	cfg.AutomationCfg.PasteSettle = 20 * time.Millisecond

	bus := messenger.New(logger)
	t.Cleanup(bus.Shutdown)
	store := handoff.NewStore(logger)

	return &fixture{
		cfg:      cfg,
		platform: &fakePlatform{activeTab: browser.Tab{ID: "42", URL: "https://news.example"}},
		store:    store,
		bus:      bus,
		notifier: &recordingNotifier{},
		docs:     make(map[string]*hostDocument),
		custom:   make(map[string]driver.Document),
		helper:   helper.New(store, bus, fakeClipboard{}, logger),
	}
}

func (f *fixture) addFrame(id, url string, doc *hostDocument) {
	f.platform.frames = append(f.platform.frames, browser.Frame{ID: cdp.FrameID(id), URL: url})
	f.docs[id] = doc
}

func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(f.cfg, Dependencies{
		Platform: f.platform,
		Helper:   f.helper,
		Store:    f.store,
		Bus:      f.bus,
		Notifier: f.notifier,
		Documents: func(fr browser.Frame) driver.Document {
			if d, ok := f.custom[string(fr.ID)]; ok {
				return d
			}
			return f.docs[string(fr.ID)]
		},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return o
}

func (f *fixture) targetDocument() *hostDocument {
	a := f.cfg.Automation()
	return newHostDocument(a.ModeActive, a.TextRegion)
}

// -- Tests --

func TestNew_NilDependencies(t *testing.T) {
	f := newFixture(t)
	_, err := New(nil, Dependencies{}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = New(f.cfg, Dependencies{Platform: f.platform, Helper: f.helper, Store: f.store, Bus: f.bus}, zaptest.NewLogger(t))
	assert.Error(t, err, "a document factory is required")
}

func TestCapture_Success(t *testing.T) {
	f := newFixture(t)
	target := f.targetDocument()
	f.addFrame("A1", "https://gemini.google.com/app", target)
	f.addFrame("B", "https://gemini.google.com/other", newHostDocument())

	report, err := f.orchestrator(t).Capture(context.Background())
	require.NoError(t, err)

	want := &Report{
		TabID:     "42",
		HelperTab: "H1",
		Frames: []FrameOutcome{
			{FrameID: "A1", URL: "https://gemini.google.com/app", Outcome: driver.Outcome{Kind: driver.OutcomeSuccess}},
			{FrameID: "B", URL: "https://gemini.google.com/other", Outcome: driver.Outcome{
				Kind:  driver.OutcomeWrongContext,
				Error: driver.ErrWrongContext.Error(),
			}},
		},
	}
	if diff := cmp.Diff(want, report, cmpopts.IgnoreFields(Report{}, "FlowID")); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	assert.NotEmpty(t, report.FlowID)
	assert.Len(t, report.Automated(), 1)

	assert.Equal(t, []string{
		"active",
		"capture 42",
		"open",
		"activate 42",
		"close H1",
		"frames 42 https://gemini.google.com",
	}, f.platform.Calls())

	assert.False(t, f.store.Pending(), "no residual record after a successful flow")
	require.Len(t, target.pasted, 1)
	assert.Equal(t, "screenshot.png", target.pasted[0].Name)
	assert.Equal(t, []string{"explain all in one go."}, target.texts)
	assert.Empty(t, f.notifier.messages)
}

func TestCapture_CopyFailed(t *testing.T) {
	f := newFixture(t)
	f.helper = helper.New(f.store, f.bus, fakeClipboard{err: errors.New("clipboard denied")}, zaptest.NewLogger(t))
	f.addFrame("A1", "https://gemini.google.com/app", f.targetDocument())

	report, err := f.orchestrator(t).Capture(context.Background())

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageCopy, perr.Stage)
	assert.EqualError(t, perr.Err, "clipboard denied")

	assert.Equal(t, []string{"active", "capture 42", "open", "close H1"}, f.platform.Calls(),
		"helper is closed and no driver is started")
	assert.Empty(t, report.Frames)
	assert.False(t, f.store.Pending(), "the record is cleared after a failed copy")
	assert.Equal(t, []string{"Screenshot failed: clipboard denied"}, f.notifier.messages)
}

func TestCapture_CaptureFails(t *testing.T) {
	f := newFixture(t)
	f.platform.captureErr = errors.New("tab not visible")

	_, err := f.orchestrator(t).Capture(context.Background())

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageCapture, perr.Stage)
	assert.Equal(t, []string{"active", "capture 42"}, f.platform.Calls(), "no helper is opened")
	assert.False(t, f.store.Pending())
	assert.Len(t, f.notifier.messages, 1)
}

func TestCapture_NoActiveTab(t *testing.T) {
	f := newFixture(t)
	f.platform.activeErr = browser.ErrNoActiveTab

	report, err := f.orchestrator(t).Capture(context.Background())
	assert.ErrorIs(t, err, browser.ErrNoActiveTab)
	assert.Empty(t, report.TabID)
}

func TestCapture_OpenHelperFails(t *testing.T) {
	f := newFixture(t)
	f.platform.openErr = errors.New("too many tabs")

	_, err := f.orchestrator(t).Capture(context.Background())

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageHelper, perr.Stage)
	assert.False(t, f.store.Pending())
}

type silentHelper struct{}

func (silentHelper) Run(ctx context.Context, _ string, _ handoff.Ticket) error {
	<-ctx.Done()
	return nil
}

func TestCapture_HelperTimeout(t *testing.T) {
	f := newFixture(t)
	f.helper = silentHelper{}
	f.cfg.FlowCfg.HelperTimeout = 30 * time.Millisecond

	_, err := f.orchestrator(t).Capture(context.Background())
	assert.ErrorIs(t, err, ErrHelperTimeout)
	assert.Contains(t, f.platform.Calls(), "close H1")
	assert.False(t, f.store.Pending())
}

// replayingHelper reports a stale result before the real one.
type replayingHelper struct {
	bus  *messenger.Bus
	next HelperRunner
}

func (h replayingHelper) Run(ctx context.Context, tabID string, ticket handoff.Ticket) error {
	from := messenger.Helper(tabID)
	_ = h.bus.Send(ctx, from, messenger.Orchestrator(), messenger.CopyFailed("42", uint64(ticket)+7, errors.New("old flow")))
	_ = h.bus.Send(ctx, messenger.Helper("other"), messenger.Orchestrator(), messenger.CopyFailed("42", uint64(ticket), errors.New("other helper")))
	time.Sleep(10 * time.Millisecond)
	return h.next.Run(ctx, tabID, ticket)
}

func TestCapture_IgnoresForeignMessages(t *testing.T) {
	f := newFixture(t)
	f.helper = replayingHelper{bus: f.bus, next: f.helper}
	f.addFrame("A1", "https://gemini.google.com/app", f.targetDocument())

	report, err := f.orchestrator(t).Capture(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Frames, 1)
	assert.True(t, report.Frames[0].Outcome.Success())
}

func TestCapture_NoMatchingFrames(t *testing.T) {
	f := newFixture(t)

	report, err := f.orchestrator(t).Capture(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Frames)
	assert.False(t, f.store.Pending())
}

func TestCapture_SerializesFlows(t *testing.T) {
	f := newFixture(t)
	f.addFrame("A1", "https://gemini.google.com/app", f.targetDocument())
	o := f.orchestrator(t)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = o.Capture(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.False(t, f.store.Pending())
}

func TestCapture_HungFrameTimesOutAlone(t *testing.T) {
	f := newFixture(t)
	f.cfg.FlowCfg.DriverTimeout = 100 * time.Millisecond
	f.addFrame("A1", "https://gemini.google.com/app", f.targetDocument())
	f.platform.frames = append(f.platform.frames, browser.Frame{ID: "HUNG", URL: "https://gemini.google.com/stuck"})
	f.custom["HUNG"] = hungDocument{}
	o := f.orchestrator(t)

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := o.Capture(context.Background())
		done <- result{r, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture stayed blocked after the driver timeout expired")
	}
	require.NoError(t, res.err)
	require.Len(t, res.report.Frames, 2)
	assert.Equal(t, driver.OutcomeSuccess, res.report.Frames[0].Outcome.Kind)
	assert.Equal(t, driver.OutcomeTimeout, res.report.Frames[1].Outcome.Kind)

	// The next flow is not stalled behind the hung frame.
	f.custom = map[string]driver.Document{}
	f.platform.frames = f.platform.frames[:1]
	next := make(chan error, 1)
	go func() {
		_, err := o.Capture(context.Background())
		next <- err
	}()
	select {
	case err := <-next:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second capture blocked")
	}
}

func TestPipelineError(t *testing.T) {
	cause := errors.New("boom")
	err := error(pipelineError(StageCapture, cause))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "capture pipeline failed at capture: boom", err.Error())
}
