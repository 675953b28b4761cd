// internal/helper/clipboard.go
package helper

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Page is the document installed into the helper tab. It exposes
// window.shotpaste.copy(dataURL).
//
//go:embed copy-helper.html
var Page string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrClipboard reports a rejected clipboard write inside the helper page.
var ErrClipboard = errors.New("helper: clipboard write failed")

// Clipboard writes an image data URL to the system clipboard from tabID.
type Clipboard interface {
	WriteImage(ctx context.Context, tabID, dataURL string) error
}

// Browser is the part of the browser manager the CDP clipboard needs.
type Browser interface {
	GrantClipboard(ctx context.Context) error
	ActivateTab(ctx context.Context, tabID string) error
	Evaluate(ctx context.Context, tabID, script string, res interface{}) error
}

// CDPClipboard performs the write through navigator.clipboard in the helper
// page. The page must be focused for the write to be accepted.
type CDPClipboard struct {
	browser Browser
}

// NewCDPClipboard creates a clipboard backed by b.
func NewCDPClipboard(b Browser) *CDPClipboard {
	return &CDPClipboard{browser: b}
}

type copyResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *CDPClipboard) WriteImage(ctx context.Context, tabID, dataURL string) error {
	if err := c.browser.GrantClipboard(ctx); err != nil {
		return err
	}
	if err := c.browser.ActivateTab(ctx, tabID); err != nil {
		return err
	}

	script, err := copyScript(dataURL)
	if err != nil {
		return err
	}
	var res copyResult
	if err := c.browser.Evaluate(ctx, tabID, script, &res); err != nil {
		return fmt.Errorf("helper: run copy script: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("%w: %s", ErrClipboard, res.Error)
	}
	return nil
}

func copyScript(dataURL string) (string, error) {
	arg, err := json.Marshal(dataURL)
	if err != nil {
		return "", fmt.Errorf("helper: encode payload: %w", err)
	}
	return "window.shotpaste.copy(" + string(arg) + ")", nil
}
