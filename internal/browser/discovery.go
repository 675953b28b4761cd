// internal/browser/discovery.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/target"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type endpointTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// httpBase maps a DevTools endpoint ("ws://host:9222/devtools/browser/..",
// "http://host:9222") to the HTTP origin serving /json.
func httpBase(remote string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("browser: parse remote url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("browser: unsupported remote url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("browser: remote url %q has no host", remote)
	}
	return u.Scheme + "://" + u.Host, nil
}

// discoverPage picks an existing page to anchor the connection to, so
// attaching to a running browser does not open a blank tab. Pages with real
// content win over blank ones. An empty ID means none was found.
func discoverPage(ctx context.Context, client *http.Client, remote string) (target.ID, error) {
	base, err := httpBase(remote)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/list", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("browser: list targets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("browser: list targets: unexpected status %s", resp.Status)
	}

	var targets []endpointTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("browser: decode target list: %w", err)
	}
	return pickPage(targets), nil
}

func pickPage(targets []endpointTarget) target.ID {
	var first string
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if first == "" {
			first = t.ID
		}
		if t.URL != "" && t.URL != "about:blank" && !strings.HasPrefix(t.URL, "devtools://") {
			return target.ID(t.ID)
		}
	}
	return target.ID(first)
}
