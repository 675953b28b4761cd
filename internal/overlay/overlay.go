// internal/overlay/overlay.go
package overlay

import (
	"context"
	_ "embed"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/browser"
)

// ContainerID is the id of the overlay root element in the page.
const ContainerID = "gemini-pdf-container"

//go:embed js_scripts/toggle.js
var toggleScript string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// State is the overlay visibility after a toggle.
type State string

const (
	Shown  State = "shown"
	Hidden State = "hidden"
)

// Page is the browser surface the overlay needs.
type Page interface {
	ActiveTab(ctx context.Context) (browser.Tab, error)
	Evaluate(ctx context.Context, tabID, script string, res interface{}) error
}

// Overlay shows the host page next to a local PDF picker on top of the
// active tab.
type Overlay struct {
	page    Page
	hostURL string
	logger  *zap.Logger
}

func New(page Page, hostURL string, logger *zap.Logger) *Overlay {
	return &Overlay{page: page, hostURL: hostURL, logger: logger.Named("overlay")}
}

// Toggle adds the overlay to the active tab's top frame, or removes it if it
// is already there.
func (o *Overlay) Toggle(ctx context.Context) (State, error) {
	tab, err := o.page.ActiveTab(ctx)
	if err != nil {
		return "", fmt.Errorf("overlay: %w", err)
	}

	script, err := toggleExpression(o.hostURL)
	if err != nil {
		return "", err
	}
	var state State
	if err := o.page.Evaluate(ctx, tab.ID, script, &state); err != nil {
		return "", fmt.Errorf("overlay: inject into %s: %w", tab.ID, err)
	}
	if state != Shown && state != Hidden {
		return "", fmt.Errorf("overlay: unexpected script result %q", state)
	}

	o.logger.Info("Overlay toggled.", zap.String("tab_id", tab.ID), zap.String("state", string(state)))
	return state, nil
}

func toggleExpression(hostURL string) (string, error) {
	args, err := json.Marshal([]string{ContainerID, hostURL})
	if err != nil {
		return "", fmt.Errorf("overlay: encode arguments: %w", err)
	}
	return fmt.Sprintf("(%s).apply(null, %s)", toggleScript, args), nil
}
