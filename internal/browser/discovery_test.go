package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPBase(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://127.0.0.1:9222/devtools/browser/abc", want: "http://127.0.0.1:9222"},
		{in: "wss://chrome.example:443/devtools/browser/abc", want: "https://chrome.example:443"},
		{in: "http://localhost:9222", want: "http://localhost:9222"},
		{in: "ftp://localhost:9222", wantErr: true},
		{in: "ws:///nohost", wantErr: true},
	}
	for _, tt := range tests {
		got, err := httpBase(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPickPage(t *testing.T) {
	assert.Equal(t, target.ID("B"), pickPage([]endpointTarget{
		{ID: "W", Type: "service_worker", URL: "https://x"},
		{ID: "A", Type: "page", URL: "about:blank"},
		{ID: "B", Type: "page", URL: "https://example.com"},
	}))
	assert.Equal(t, target.ID("A"), pickPage([]endpointTarget{{ID: "A", Type: "page", URL: "about:blank"}}))
	assert.Equal(t, target.ID(""), pickPage(nil))
}

func TestDiscoverPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/list" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"X","type":"iframe","url":"https://gemini.google.com/app"},{"id":"P","type":"page","url":"https://news.example"}]`))
	}))
	defer srv.Close()

	id, err := discoverPage(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, target.ID("P"), id)
}

func TestDiscoverPage_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := discoverPage(context.Background(), srv.Client(), srv.URL)
	assert.ErrorContains(t, err, "unexpected status")
}
