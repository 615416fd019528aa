package domain

import "context"

// ProcessController handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessController interface {
	// List enumerates running processes (pid, name, executable path).
	List() ([]ProcessInfo, error)

	// Terminate asks a process to exit, escalating to SIGKILL after a
	// grace period. Access-denied and already-exited are returned as
	// errors but are never fatal to the caller's loop.
	Terminate(pid int32) error

	// CurrentPID returns the current process PID.
	CurrentPID() int32
}

// BrowserTransport is the remote-debugging channel to one browser
// instance. Connection loss is a recoverable event, not fatal.
type BrowserTransport interface {
	// Alive reports whether the debugging endpoint answers.
	Alive(ctx context.Context) bool

	// ListPages enumerates open pages (type "page" only).
	ListPages(ctx context.Context) ([]Page, error)

	// ClosePage closes a page by its debugger ID.
	ClosePage(ctx context.Context, id string) error

	// OpenPage opens a new page at the given URL.
	OpenPage(ctx context.Context, url string) error

	// Navigate rewrites an existing page's location.
	Navigate(ctx context.Context, page Page, url string) error
}

// BrowserLauncher finds and starts a browser under a controlled
// debugging profile.
type BrowserLauncher interface {
	// Find returns the executable path for a browser kind.
	Find(kind BrowserKind) (string, error)

	// Launch starts the browser detached, configured for remote
	// debugging on its per-kind port.
	Launch(kind BrowserKind) error
}

// Ledger is the append-only, tamper-evident audit log.
// Append is the only write primitive; records are never mutated.
type Ledger interface {
	// Append persists one event synchronously and returns it with its
	// sequence number and integrity tag filled in.
	Append(kind AuditKind, detail string) (*AuditEvent, error)

	// VerifyChain replays the whole chain and fails at the first broken
	// link with an IntegrityError.
	VerifyChain() error

	// LastByKind returns the newest event whose kind is one of the
	// given kinds, or nil if none exists.
	LastByKind(kinds ...AuditKind) (*AuditEvent, error)

	// Tail returns the newest n events, oldest first.
	Tail(n int) ([]AuditEvent, error)
}

// SessionStore persists session rows for reconciliation and external
// stats tooling. Backed by the same encrypted database as the ledger.
type SessionStore interface {
	// SaveSession inserts or updates a session row.
	SaveSession(s Session) error

	// OpenSessions returns sessions that were started but never closed.
	OpenSessions() ([]Session, error)

	// CloseSession marks a session ended with the given state.
	CloseSession(id string, state SessionState) error

	// IncrementViolations adds to a session row's violation counter.
	IncrementViolations(id string, n int) error
}

// PinStore persists the PIN record. The hash never appears in any
// exported report.
type PinStore interface {
	// Load reads the current record, nil if no PIN is configured.
	Load() (*PinRecord, error)

	// Save rewrites the record atomically.
	Save(r *PinRecord) error

	// Exists checks if a PIN has been configured.
	Exists() bool
}

// PolicyStore provides read-only access to focus mode policies.
// Implementation: YAML documents in a modes directory, validated at
// load time.
type PolicyStore interface {
	// GetAll returns all valid policies.
	GetAll() []Policy

	// GetByID returns the policy for a specific mode.
	GetByID(id string) (*Policy, error)

	// List returns IDs of all known modes.
	List() []string
}
