// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"strings"
	"time"
)

// BrowserKind identifies a supported Chromium-based browser.
type BrowserKind string

const (
	BrowserChrome BrowserKind = "chrome"
	BrowserBrave  BrowserKind = "brave"
	BrowserEdge   BrowserKind = "edge"
)

// SessionState is the lifecycle state of a focus session.
type SessionState string

const (
	StateInactive            SessionState = "inactive"
	StateActive              SessionState = "active"
	StatePendingDeactivation SessionState = "pending_deactivation"
	StateLocked              SessionState = "locked" // active + strict_mode: PIN required to leave
)

// AuditKind identifies the type of auditable event.
type AuditKind string

const (
	EventActivated         AuditKind = "activated"
	EventDeactivated       AuditKind = "deactivated"
	EventViolationDetected AuditKind = "violation_detected"
	EventForcedTermination AuditKind = "forced_termination"
	EventPinFailure        AuditKind = "pin_failure"
	EventHeartbeat         AuditKind = "heartbeat"
	EventSchemaMigrated    AuditKind = "schema_migrated"
)

// ProcessMatcher matches a running process by executable name
// (case-insensitive) and optional path prefix.
type ProcessMatcher struct {
	Name       string `yaml:"name"`
	PathPrefix string `yaml:"path_prefix,omitempty"`
}

// Matches reports whether the matcher applies to the given process.
func (m ProcessMatcher) Matches(p ProcessInfo) bool {
	if !strings.EqualFold(m.Name, p.Name) {
		return false
	}
	if m.PathPrefix != "" && !strings.HasPrefix(strings.ToLower(p.Exe), strings.ToLower(m.PathPrefix)) {
		return false
	}
	return true
}

// DomainPattern is a domain suffix pattern: "github.com" matches
// "github.com" and any subdomain of it.
type DomainPattern string

// Match reports whether host falls under the pattern.
// A leading "www." on either side is ignored, and a port is stripped.
func (d DomainPattern) Match(host string) bool {
	if d == "" {
		return false
	}
	pattern := strings.TrimPrefix(strings.ToLower(string(d)), "www.")
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// Policy is a named enforcement configuration for one focus mode.
// A policy is immutable once a session is Active; edits to the on-disk
// document apply only to the next activation.
type Policy struct {
	ID             string           `yaml:"id"`
	Name           string           `yaml:"name"`
	AllowedApps    []ProcessMatcher `yaml:"allowed_apps,omitempty"`
	DeniedApps     []ProcessMatcher `yaml:"denied_apps,omitempty"`
	WhitelistOnly  bool             `yaml:"whitelist_only,omitempty"`
	LockedDomain   DomainPattern    `yaml:"locked_domain,omitempty"`
	AllowedDomains []DomainPattern  `yaml:"allowed_domains,omitempty"`
	Browser        BrowserKind      `yaml:"browser,omitempty"`
	StrictMode     bool             `yaml:"strict_mode,omitempty"`
	PinToActivate  bool             `yaml:"pin_to_activate,omitempty"`
	SessionMinutes int              `yaml:"session_minutes,omitempty"`
}

// SessionTimer returns the optional session duration (zero means none).
func (p Policy) SessionTimer() time.Duration {
	return time.Duration(p.SessionMinutes) * time.Minute
}

// SingleDomainLock reports whether the policy locks the browser to one
// domain instead of a whitelist.
func (p Policy) SingleDomainLock() bool {
	return p.LockedDomain != ""
}

// DomainAllowed reports whether a page host is permitted by the policy.
func (p Policy) DomainAllowed(host string) bool {
	if p.SingleDomainLock() {
		return p.LockedDomain.Match(host)
	}
	if len(p.AllowedDomains) == 0 {
		return true
	}
	for _, d := range p.AllowedDomains {
		if d.Match(host) {
			return true
		}
	}
	return false
}

// Session is one runtime activation of a policy. It is owned exclusively
// by the orchestrator and mutated only through its transition API.
type Session struct {
	ID             string
	PolicyID       string
	State          SessionState
	StartedAt      time.Time
	ExpiresAt      time.Time // zero if no session timer
	ViolationCount int
}

// AuditEvent is an immutable, append-only audit record. Tag chains over
// the previous event's tag, so deleting or editing any stored record
// breaks verification at that position.
type AuditEvent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Kind      AuditKind `json:"kind"`
	Detail    string    `json:"detail"`
	PrevTag   string    `json:"prev_tag"`
	Tag       string    `json:"tag"`
}

// PinRecord holds the salted PIN hash and optional recovery-answer hash.
// Rewritten only via an explicit PIN-change operation.
type PinRecord struct {
	Salt         []byte    `json:"salt"`
	Hash         []byte    `json:"hash"`
	Iterations   int       `json:"iterations"`
	RecoverySalt []byte    `json:"recovery_salt,omitempty"`
	RecoveryHash []byte    `json:"recovery_hash,omitempty"`
	MustRotate   bool      `json:"must_rotate,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasRecovery reports whether a recovery answer is configured.
func (r *PinRecord) HasRecovery() bool {
	return len(r.RecoveryHash) > 0
}

// ProcessInfo describes one running process as seen by the OS.
type ProcessInfo struct {
	PID  int32
	Name string
	Exe  string
}

// Action records one enforcement decision taken against a process.
type Action struct {
	PID    int32
	Name   string
	Reason string
}

// Page is one open browser page/tab exposed by the debugging transport.
type Page struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}
