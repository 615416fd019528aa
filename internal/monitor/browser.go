package monitor

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

// attachState tracks the debugging connection to the controlled browser.
type attachState int

const (
	stateDetached attachState = iota
	stateAttaching
	stateAttached
)

// attachTimeout is how long a launched browser gets to expose its
// debugging endpoint before the attach attempt is abandoned and retried.
const attachTimeout = 15 * time.Second

// internalPrefixes are browser-internal page URLs that are never
// evaluated against domain rules.
var internalPrefixes = []string{
	"chrome://",
	"edge://",
	"brave://",
	"devtools://",
	"chrome-extension://",
	"about:",
}

// BrowserMonitor keeps the controlled browser attached over remote
// debugging and enforces the policy's domain rules on its open pages.
// Under a single-domain lock, off-domain pages are navigated back to
// the locked domain; under a whitelist, off-list pages are closed.
type BrowserMonitor struct {
	transport domain.BrowserTransport
	launcher  domain.BrowserLauncher
	ledger    domain.Ledger
	logger    *zap.Logger

	mu          sync.Mutex
	state       attachState
	attachSince time.Time
	wasAttached bool
}

// NewBrowserMonitor creates a browser monitor.
func NewBrowserMonitor(
	bt domain.BrowserTransport,
	bl domain.BrowserLauncher,
	ledger domain.Ledger,
	logger *zap.Logger,
) *BrowserMonitor {
	return &BrowserMonitor{
		transport: bt,
		launcher:  bl,
		ledger:    ledger,
		logger:    logger,
	}
}

// Tick advances the attach state machine and, when attached, enforces
// domain rules on every open page. The caller owns the polling loop;
// overlapping ticks from a dying and a fresh loop serialize here.
func (m *BrowserMonitor) Tick(ctx context.Context, policy domain.Policy) ([]domain.Action, error) {
	if policy.Browser == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateDetached:
		return nil, m.beginAttach(policy)
	case stateAttaching:
		return nil, m.finishAttach(ctx, policy)
	}

	if !m.transport.Alive(ctx) {
		m.onDisconnect(policy)
		return nil, m.beginAttach(policy)
	}

	return m.enforcePages(ctx, policy)
}

// beginAttach launches the controlled browser profile and moves to
// Attaching. Launch failure stays Detached and is retried next tick.
func (m *BrowserMonitor) beginAttach(policy domain.Policy) error {
	if err := m.launcher.Launch(policy.Browser); err != nil {
		m.logger.Warn("failed to launch browser",
			zap.String("browser", string(policy.Browser)),
			zap.Error(err))
		return fmt.Errorf("launch %s: %w", policy.Browser, err)
	}
	m.state = stateAttaching
	m.attachSince = time.Now()
	m.logger.Info("launching controlled browser",
		zap.String("browser", string(policy.Browser)))
	return nil
}

// finishAttach waits for the debugging endpoint to answer. Exceeding
// the attach timeout drops back to Detached for a fresh launch.
func (m *BrowserMonitor) finishAttach(ctx context.Context, policy domain.Policy) error {
	if m.transport.Alive(ctx) {
		m.state = stateAttached
		m.wasAttached = true
		m.logger.Info("attached to browser",
			zap.String("browser", string(policy.Browser)))
		return nil
	}
	if time.Since(m.attachSince) > attachTimeout {
		m.state = stateDetached
		m.logger.Warn("browser attach timed out",
			zap.String("browser", string(policy.Browser)))
		return fmt.Errorf("attach %s: %w", policy.Browser, domain.ErrBrowserUnavailable)
	}
	return nil
}

// onDisconnect records a mid-session browser exit. Closing the
// controlled browser is a violation: it is the user's only way to shed
// the domain lock without deactivating.
func (m *BrowserMonitor) onDisconnect(policy domain.Policy) {
	m.state = stateDetached
	if !m.wasAttached {
		return
	}
	m.wasAttached = false
	m.logger.Warn("browser connection lost",
		zap.String("browser", string(policy.Browser)))
	detail := fmt.Sprintf("browser_closed browser=%s", policy.Browser)
	if _, err := m.ledger.Append(domain.EventViolationDetected, detail); err != nil {
		m.logger.Error("failed to record violation", zap.Error(err))
	}
}

func (m *BrowserMonitor) enforcePages(ctx context.Context, policy domain.Policy) ([]domain.Action, error) {
	pages, err := m.transport.ListPages(ctx)
	if err != nil {
		m.onDisconnect(policy)
		return nil, err
	}

	actions := make([]domain.Action, 0)
	remaining := 0
	var offending []domain.Page

	for _, p := range pages {
		if isInternalPage(p.URL) {
			remaining++
			continue
		}
		host := pageHost(p.URL)
		if host == "" || policy.DomainAllowed(host) {
			remaining++
			continue
		}
		offending = append(offending, p)
	}

	for _, p := range offending {
		act, kept := m.enforcePage(ctx, policy, p, &remaining)
		if kept {
			remaining++
		}
		if act != nil {
			actions = append(actions, *act)
			detail := fmt.Sprintf("domain=%s url=%s action=%s", pageHost(p.URL), p.URL, act.Reason)
			if _, err := m.ledger.Append(domain.EventViolationDetected, detail); err != nil {
				m.logger.Error("failed to record violation", zap.Error(err))
			}
		}
	}

	return actions, nil
}

// enforcePage handles one off-policy page. Reports whether the browser
// still has a page afterwards (navigated pages stay open, closed pages
// may be replaced by a fallback tab).
func (m *BrowserMonitor) enforcePage(ctx context.Context, policy domain.Policy, p domain.Page, remaining *int) (*domain.Action, bool) {
	if policy.SingleDomainLock() {
		target := m.homeURL(policy)
		if err := m.transport.Navigate(ctx, p, target); err != nil {
			m.logger.Warn("navigate failed, closing page instead",
				zap.String("page", p.ID),
				zap.Error(err))
			if err := m.closeWithFallback(ctx, policy, p, remaining); err != nil {
				return nil, true
			}
			return &domain.Action{Name: p.URL, Reason: "page_closed"}, false
		}
		m.logger.Info("redirected page",
			zap.String("from", p.URL),
			zap.String("to", target))
		return &domain.Action{Name: p.URL, Reason: "page_redirected"}, true
	}

	if err := m.closeWithFallback(ctx, policy, p, remaining); err != nil {
		m.logger.Warn("failed to close page",
			zap.String("page", p.ID),
			zap.Error(err))
		return nil, true
	}
	m.logger.Info("closed page", zap.String("url", p.URL))
	return &domain.Action{Name: p.URL, Reason: "page_closed"}, false
}

// closeWithFallback closes a page, first opening a fallback tab when
// the close would leave the browser with no pages at all. Chromium
// exits when its last page closes, which would read as a browser-closed
// violation the user never caused.
func (m *BrowserMonitor) closeWithFallback(ctx context.Context, policy domain.Policy, p domain.Page, remaining *int) error {
	if *remaining == 0 {
		if err := m.transport.OpenPage(ctx, m.homeURL(policy)); err != nil {
			m.logger.Warn("failed to open fallback tab", zap.Error(err))
		} else {
			*remaining++
		}
	}
	return m.transport.ClosePage(ctx, p.ID)
}

// homeURL is where redirects and fallback tabs land.
func (m *BrowserMonitor) homeURL(policy domain.Policy) string {
	if policy.SingleDomainLock() {
		return "https://" + strings.TrimPrefix(string(policy.LockedDomain), "www.")
	}
	if len(policy.AllowedDomains) > 0 {
		return "https://" + strings.TrimPrefix(string(policy.AllowedDomains[0]), "www.")
	}
	return "about:blank"
}

func isInternalPage(pageURL string) bool {
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(pageURL, prefix) {
			return true
		}
	}
	return false
}

// pageHost extracts the hostname from a page URL, empty when the URL
// does not parse or has no host.
func pageHost(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
