// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/config"
	"github.com/xkilldash9x/shotpaste/internal/driver"
)

var (
	ErrNoActiveTab = errors.New("browser: no active tab")
	ErrClosed      = errors.New("browser: manager closed")
)

const (
	startTimeout     = 30 * time.Second
	discoveryTimeout = 10 * time.Second
)

// Tab describes a top level page target.
type Tab struct {
	ID    string
	URL   string
	Title string
}

type tabHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns the CDP connection and the chromedp contexts attached to the
// tabs shotpaste touches.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	rootTarget  target.ID
	remote      bool

	mu     sync.Mutex
	tabs   map[target.ID]tabHandle
	owned  map[target.ID]bool
	closed bool
}

// NewManager connects to the browser at cfg.RemoteURL, or launches one.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
		tabs:   make(map[target.ID]tabHandle),
		owned:  make(map[target.ID]bool),
		remote: cfg.RemoteURL != "",
	}

	var allocCtx context.Context
	var rootOpts []chromedp.ContextOption
	if m.remote {
		dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		anchor, err := discoverPage(dctx, &http.Client{Timeout: discoveryTimeout}, cfg.RemoteURL)
		cancel()
		if err != nil {
			m.logger.Warn("Could not discover an existing page, a new tab will be opened.", zap.Error(err))
		}
		if anchor != "" {
			rootOpts = append(rootOpts, chromedp.WithTargetID(anchor))
		}
		allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		m.logger.Info("Connecting to remote browser.", zap.String("url", cfg.RemoteURL), zap.String("anchor", string(anchor)))
	} else {
		allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(cfg)...)
		m.logger.Info("Launching local browser.", zap.Bool("headless", cfg.Headless))
	}

	m.rootCtx, m.rootCancel = chromedp.NewContext(allocCtx, rootOpts...)

	// The first Run binds the session to rootCtx, so it must not carry a
	// deadline of its own.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(m.rootCtx) }()
	select {
	case err := <-started:
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("browser: start: %w", err)
		}
	case <-time.After(startTimeout):
		m.Close()
		return nil, fmt.Errorf("browser: start: timed out after %v", startTimeout)
	case <-ctx.Done():
		m.Close()
		return nil, ctx.Err()
	}

	m.rootTarget = chromedp.FromContext(m.rootCtx).Target.TargetID
	m.tabs[m.rootTarget] = tabHandle{ctx: m.rootCtx, cancel: m.rootCancel}
	if !m.remote {
		// The launched browser's initial tab is ours.
		m.owned[m.rootTarget] = true
	}
	m.logger.Info("Browser connected.", zap.String("root_target", string(m.rootTarget)))
	return m, nil
}

// browserExec returns ctx bound to the browser level executor, for Target
// and Browser domain commands.
func (m *Manager) browserExec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(m.rootCtx).Browser)
}

func (m *Manager) timeout() time.Duration {
	if m.cfg.CommandTimeout > 0 {
		return m.cfg.CommandTimeout
	}
	return 30 * time.Second
}

// tabContext returns the chromedp context attached to id, attaching on first
// use.
func (m *Manager) tabContext(id target.ID) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if h, ok := m.tabs[id]; ok {
		return h.ctx, nil
	}

	// Cancelling an attached context closes its target. The user's tabs in a
	// remote browser are attached under a parent that is never cancelled, so
	// shutting down never closes them.
	parent := m.rootCtx
	if m.remote && !m.owned[id] {
		parent = Detach(m.rootCtx)
	}
	tctx, cancel := chromedp.NewContext(parent, chromedp.WithTargetID(id))
	if err := chromedp.Run(tctx); err != nil {
		cancel()
		return nil, fmt.Errorf("browser: attach to %s: %w", id, err)
	}
	m.tabs[id] = tabHandle{ctx: tctx, cancel: cancel}
	m.logger.Debug("Attached to target.", zap.String("target_id", string(id)))
	return tctx, nil
}

// Run executes actions against tab, bounded by ctx and the command timeout.
func (m *Manager) Run(ctx context.Context, tabID string, actions ...chromedp.Action) error {
	tctx, err := m.tabContext(target.ID(tabID))
	if err != nil {
		return err
	}
	return m.runOn(ctx, tctx, actions...)
}

func (m *Manager) runOn(ctx, tctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(tctx, ctx)
	defer cancel()
	opCtx, opCancel := context.WithTimeout(runCtx, m.timeout())
	defer opCancel()
	return chromedp.Run(opCtx, actions...)
}

func (m *Manager) pageTargets(ctx context.Context) ([]*target.Info, error) {
	infos, err := target.GetTargets().Do(m.browserExec(ctx))
	if err != nil {
		return nil, fmt.Errorf("browser: list targets: %w", err)
	}
	return infos, nil
}

// Tabs lists the page targets that are not shotpaste's own helper tabs.
func (m *Manager) Tabs(ctx context.Context) ([]Tab, error) {
	infos, err := m.pageTargets(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var tabs []Tab
	for _, info := range infos {
		if info.Type != "page" || m.owned[info.TargetID] {
			continue
		}
		tabs = append(tabs, Tab{ID: string(info.TargetID), URL: info.URL, Title: info.Title})
	}
	return tabs, nil
}

type visibility struct {
	Visible bool `json:"visible"`
	Focused bool `json:"focused"`
}

const visibilityScript = `({visible: document.visibilityState === 'visible', focused: document.hasFocus()})`

// ActiveTab returns the tab the user is looking at: a focused document wins
// over a merely visible one.
func (m *Manager) ActiveTab(ctx context.Context) (Tab, error) {
	tabs, err := m.Tabs(ctx)
	if err != nil {
		return Tab{}, err
	}

	var visible *Tab
	for i := range tabs {
		var v visibility
		if err := m.Run(ctx, tabs[i].ID, chromedp.Evaluate(visibilityScript, &v)); err != nil {
			m.logger.Debug("Skipping tab that could not be inspected.", zap.String("tab_id", tabs[i].ID), zap.Error(err))
			continue
		}
		if v.Focused && v.Visible {
			return tabs[i], nil
		}
		if v.Visible && visible == nil {
			visible = &tabs[i]
		}
	}
	if visible != nil {
		return *visible, nil
	}
	return Tab{}, ErrNoActiveTab
}

// CaptureVisible captures the viewport of tab as a PNG data URL.
func (m *Manager) CaptureVisible(ctx context.Context, tabID string) (string, error) {
	var buf []byte
	err := m.Run(ctx, tabID, chromedp.ActionFunc(func(c context.Context) error {
		data, err := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(c)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return "", fmt.Errorf("browser: capture %s: %w", tabID, err)
	}
	return driver.EncodeDataURL("image/png", buf), nil
}

// OpenTab creates a new tab showing html and returns its id. Tabs opened
// here are excluded from Tabs and ActiveTab.
func (m *Manager) OpenTab(ctx context.Context, html string) (string, error) {
	id, err := target.CreateTarget("about:blank").Do(m.browserExec(ctx))
	if err != nil {
		return "", fmt.Errorf("browser: create tab: %w", err)
	}
	m.mu.Lock()
	m.owned[id] = true
	m.mu.Unlock()

	err = m.Run(ctx, string(id), chromedp.ActionFunc(func(c context.Context) error {
		tree, err := page.GetFrameTree().Do(c)
		if err != nil {
			return err
		}
		return page.SetDocumentContent(tree.Frame.ID, html).Do(c)
	}))
	if err != nil {
		_ = m.CloseTab(Detach(ctx), string(id))
		return "", fmt.Errorf("browser: install tab content: %w", err)
	}
	m.logger.Debug("Tab opened.", zap.String("tab_id", string(id)))
	return string(id), nil
}

// ActivateTab brings tab to the front and restores its window if it was
// minimized.
func (m *Manager) ActivateTab(ctx context.Context, tabID string) error {
	id := target.ID(tabID)
	bctx := m.browserExec(ctx)
	if err := target.ActivateTarget(id).Do(bctx); err != nil {
		return fmt.Errorf("browser: activate %s: %w", tabID, err)
	}

	window, bounds, err := cdpbrowser.GetWindowForTarget().WithTargetID(id).Do(bctx)
	if err != nil {
		// Headless browsers have no windows.
		m.logger.Debug("No window for target.", zap.String("tab_id", tabID), zap.Error(err))
	} else if bounds != nil && bounds.WindowState == cdpbrowser.WindowStateMinimized {
		if err := cdpbrowser.SetWindowBounds(window, &cdpbrowser.Bounds{WindowState: cdpbrowser.WindowStateNormal}).Do(bctx); err != nil {
			m.logger.Warn("Could not restore window.", zap.Int64("window_id", int64(window)), zap.Error(err))
		}
	}

	return m.Run(ctx, tabID, chromedp.ActionFunc(func(c context.Context) error {
		return page.BringToFront().Do(c)
	}))
}

// CloseTab closes tab and releases its context.
func (m *Manager) CloseTab(ctx context.Context, tabID string) error {
	id := target.ID(tabID)
	err := target.CloseTarget(id).Do(m.browserExec(ctx))

	m.mu.Lock()
	h, ok := m.tabs[id]
	delete(m.tabs, id)
	delete(m.owned, id)
	m.mu.Unlock()
	if ok {
		h.cancel()
	}

	if err != nil {
		return fmt.Errorf("browser: close %s: %w", tabID, err)
	}
	m.logger.Debug("Tab closed.", zap.String("tab_id", tabID))
	return nil
}

// GrantClipboard allows pages to read and write the clipboard.
func (m *Manager) GrantClipboard(ctx context.Context) error {
	perms := []cdpbrowser.PermissionType{
		cdpbrowser.PermissionTypeClipboardReadWrite,
		cdpbrowser.PermissionTypeClipboardSanitizedWrite,
	}
	if err := cdpbrowser.GrantPermissions(perms).Do(m.browserExec(ctx)); err != nil {
		return fmt.Errorf("browser: grant clipboard permissions: %w", err)
	}
	return nil
}

// Evaluate runs script in the top frame of tab, awaiting a returned promise,
// and decodes the result into res.
func (m *Manager) Evaluate(ctx context.Context, tabID, script string, res interface{}) error {
	return m.Run(ctx, tabID, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// Frames returns the frames of tab whose URL starts with prefix. Frames
// rendered out of process are bound to their own iframe target.
func (m *Manager) Frames(ctx context.Context, tabID, prefix string) ([]Frame, error) {
	tctx, err := m.tabContext(target.ID(tabID))
	if err != nil {
		return nil, err
	}

	var tree *page.FrameTree
	if err := m.runOn(ctx, tctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(c)
		return err
	})); err != nil {
		return nil, fmt.Errorf("browser: frame tree of %s: %w", tabID, err)
	}

	infos, err := m.pageTargets(ctx)
	if err != nil {
		return nil, err
	}
	isolated := isolatedTargets(infos)

	var frames []Frame
	seen := make(map[cdp.FrameID]bool)
	for _, f := range matching(tree, prefix) {
		fctx := tctx
		if tid, ok := isolated[f.ID]; ok {
			if fctx, err = m.tabContext(tid); err != nil {
				m.logger.Warn("Could not attach to frame target.", zap.String("frame_id", string(f.ID)), zap.Error(err))
				continue
			}
		}
		seen[f.ID] = true
		frames = append(frames, Frame{ID: f.ID, URL: frameURL(f), ctx: fctx})
	}

	// Out-of-process frames may be missing from the embedder's tree. Accept
	// an iframe target when its root frame's parent belongs to this tab.
	known := frameIDs(tree)
	for _, info := range infos {
		if info.Type != "iframe" || seen[cdp.FrameID(info.TargetID)] || !strings.HasPrefix(info.URL, prefix) {
			continue
		}
		fctx, err := m.tabContext(info.TargetID)
		if err != nil {
			continue
		}
		var sub *page.FrameTree
		if err := m.runOn(ctx, fctx, chromedp.ActionFunc(func(c context.Context) error {
			var err error
			sub, err = page.GetFrameTree().Do(c)
			return err
		})); err != nil || sub == nil || !known[sub.Frame.ParentID] {
			continue
		}
		frames = append(frames, Frame{ID: sub.Frame.ID, URL: frameURL(sub.Frame), ctx: fctx})
	}

	m.logger.Debug("Frames resolved.", zap.String("tab_id", tabID), zap.String("prefix", prefix), zap.Int("count", len(frames)))
	return frames, nil
}

// Close releases helper tabs and the connection. A launched browser is shut
// down; a remote one keeps running.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	owned := make([]tabHandle, 0, len(m.owned))
	for id := range m.owned {
		if h, ok := m.tabs[id]; ok && id != m.rootTarget {
			owned = append(owned, h)
		}
	}
	m.tabs = nil
	m.mu.Unlock()

	for _, h := range owned {
		h.cancel()
	}
	if m.rootCancel != nil {
		m.rootCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.logger.Info("Browser manager closed.")
	return nil
}
