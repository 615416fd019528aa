package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

// requestTimeout bounds every DevTools HTTP call; exceeding it is a
// recoverable BrowserUnavailable, retried on the next poll.
const requestTimeout = 2 * time.Second

// DevToolsClient implements domain.BrowserTransport over the Chromium
// remote-debugging interface: the HTTP endpoint for page enumeration and
// lifecycle, the per-page WebSocket for navigation.
type DevToolsClient struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewDevToolsClient creates a transport for a local debugging port.
func NewDevToolsClient(port int) *DevToolsClient {
	return NewDevToolsClientURL(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewDevToolsClientURL creates a transport for an explicit endpoint (for tests).
func NewDevToolsClientURL(baseURL string) *DevToolsClient {
	return &DevToolsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: requestTimeout},
	}
}

// Alive reports whether the debugging endpoint answers.
func (c *DevToolsClient) Alive(ctx context.Context) bool {
	resp, err := c.get(ctx, "/json/version")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListPages enumerates open pages. Targets that are not real pages
// (extensions, devtools, service workers) are filtered out.
func (c *DevToolsClient) ListPages(ctx context.Context) ([]domain.Page, error) {
	resp, err := c.get(ctx, "/json/list")
	if err != nil {
		return nil, fmt.Errorf("list pages: %w: %v", domain.ErrBrowserUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list pages: status %d: %w", resp.StatusCode, domain.ErrBrowserUnavailable)
	}

	var all []domain.Page
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("decode page list: %w", err)
	}

	pages := all[:0]
	for _, p := range all {
		if p.Type == "page" {
			pages = append(pages, p)
		}
	}
	return pages, nil
}

// ClosePage closes a page by its debugger ID.
func (c *DevToolsClient) ClosePage(ctx context.Context, id string) error {
	resp, err := c.get(ctx, "/json/close/"+id)
	if err != nil {
		return fmt.Errorf("close page %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("close page %s: status %d", id, resp.StatusCode)
	}
	return nil
}

// OpenPage opens a new page at the given URL. Newer Chromium wants PUT
// /json/new; some builds still only accept GET, so that is the fallback.
func (c *DevToolsClient) OpenPage(ctx context.Context, pageURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/json/new?"+url.QueryEscape(pageURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err == nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}

	resp, err = c.get(ctx, "/json/new?"+url.QueryEscape(pageURL))
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open page: status %d", resp.StatusCode)
	}
	return nil
}

// navigateCommand is the CDP Page.navigate message.
type navigateCommand struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Navigate rewrites an existing page's location via its per-page
// WebSocket. Pages without a webSocketDebuggerUrl (already claimed by
// another debugger) cannot be navigated; the caller falls back to
// close-and-reopen.
func (c *DevToolsClient) Navigate(ctx context.Context, page domain.Page, target string) error {
	if page.WebSocketURL == "" {
		return fmt.Errorf("page %s has no debugger websocket", page.ID)
	}

	conn, _, err := c.dialer.DialContext(ctx, page.WebSocketURL, nil)
	if err != nil {
		return fmt.Errorf("dial page %s: %w: %v", page.ID, domain.ErrBrowserUnavailable, err)
	}
	defer conn.Close()

	cmd := navigateCommand{
		ID:     1,
		Method: "Page.navigate",
		Params: map[string]any{"url": target},
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("navigate page %s: %w", page.ID, err)
	}

	// Wait for the command echo so the navigation is actually queued
	// before we drop the connection.
	_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))
	_, _, _ = conn.ReadMessage()
	return nil
}

func (c *DevToolsClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// Ensure DevToolsClient implements domain.BrowserTransport.
var _ domain.BrowserTransport = (*DevToolsClient)(nil)
