// Package usecase contains application business logic: the session
// orchestrator owning all state transitions.
package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focus_guard/internal/auth"
	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
	"github.com/eliteGoblin/focusd/focus_guard/internal/monitor"
)

const (
	// DefaultPollInterval drives both enforcement sweeps.
	DefaultPollInterval = 2 * time.Second

	// DefaultHeartbeatInterval is how often an active session proves
	// liveness in the ledger. A crash leaves the last heartbeat as the
	// best-known end time for the reconciled session.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Orchestrator owns the session state machine. Every transition runs
// under one mutex; the enforcement loops are started on activation and
// stopped on deactivation.
type Orchestrator struct {
	policies   domain.PolicyStore
	auth       *auth.Authenticator
	ledger     domain.Ledger
	sessions   domain.SessionStore
	procMon    *monitor.ProcessMonitor
	browserMon *monitor.BrowserMonitor
	logger     *zap.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time

	// strictDeny supplies process matchers for rival browsers, denied
	// for the session when strict mode locks a browser.
	strictDeny func(allowed domain.BrowserKind) []domain.ProcessMatcher

	mu         sync.Mutex
	reconciled bool
	session    *domain.Session
	policy     domain.Policy
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a session orchestrator.
func New(
	ps domain.PolicyStore,
	a *auth.Authenticator,
	ledger domain.Ledger,
	sessions domain.SessionStore,
	procMon *monitor.ProcessMonitor,
	browserMon *monitor.BrowserMonitor,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		policies:          ps,
		auth:              a,
		ledger:            ledger,
		sessions:          sessions,
		procMon:           procMon,
		browserMon:        browserMon,
		logger:            logger,
		pollInterval:      DefaultPollInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		now:               time.Now,
	}
}

// SetIntervals overrides the enforcement and heartbeat intervals (for tests).
func (o *Orchestrator) SetIntervals(poll, heartbeat time.Duration) {
	if poll > 0 {
		o.pollInterval = poll
	}
	if heartbeat > 0 {
		o.heartbeatInterval = heartbeat
	}
}

// SetStrictBrowserDeny installs the rival-browser denylist used when a
// strict-mode policy locks a browser.
func (o *Orchestrator) SetStrictBrowserDeny(fn func(allowed domain.BrowserKind) []domain.ProcessMatcher) {
	o.strictDeny = fn
}

// Reconcile detects a previous run that ended without a clean
// deactivation and records it as a forced termination. Activate refuses
// to run until this has completed once.
func (o *Orchestrator) Reconcile() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.reconcileLocked(); err != nil {
		return err
	}
	o.reconciled = true
	return nil
}

func (o *Orchestrator) reconcileLocked() error {
	open, err := o.sessions.OpenSessions()
	if err != nil {
		return fmt.Errorf("load open sessions: %w", err)
	}

	for _, s := range open {
		detail := fmt.Sprintf("session=%s policy=%s started=%s", s.ID, s.PolicyID, s.StartedAt.UTC().Format(time.RFC3339))
		if _, err := o.ledger.Append(domain.EventForcedTermination, detail); err != nil {
			return fmt.Errorf("record forced termination: %w", err)
		}
		if err := o.sessions.CloseSession(s.ID, domain.StateInactive); err != nil {
			return fmt.Errorf("close stale session %s: %w", s.ID, err)
		}
		o.logger.Warn("previous session ended without deactivation",
			zap.String("session", s.ID),
			zap.String("policy", s.PolicyID))
	}
	if len(open) > 0 {
		return nil
	}

	// No open rows, but the event stream may still end on an
	// activation if the database write raced the crash.
	last, err := o.ledger.LastByKind(domain.EventActivated, domain.EventDeactivated, domain.EventForcedTermination)
	if err != nil {
		return fmt.Errorf("read last lifecycle event: %w", err)
	}
	if last != nil && last.Kind == domain.EventActivated {
		detail := fmt.Sprintf("after_seq=%d %s", last.Seq, last.Detail)
		if _, err := o.ledger.Append(domain.EventForcedTermination, detail); err != nil {
			return fmt.Errorf("record forced termination: %w", err)
		}
		o.logger.Warn("audit stream ended on an activation, recording forced termination",
			zap.Int64("after_seq", last.Seq))
	}
	return nil
}

// Activate starts a session for the given mode. The PIN is required
// when the policy says so; empty string means none supplied. Only the
// Inactive state accepts activation.
func (o *Orchestrator) Activate(modeID, pin string) (*domain.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.reconciled {
		return nil, fmt.Errorf("startup reconciliation has not run")
	}
	if o.session != nil {
		return nil, &domain.TransitionError{From: o.session.State, Op: "activate"}
	}

	policy, err := o.policies.GetByID(modeID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, &domain.ConfigError{PolicyID: modeID, Field: "id", Reason: "unknown mode"}
	}

	if policy.PinToActivate {
		if err := o.auth.Verify(pin); err != nil {
			return nil, err
		}
	}

	state := domain.StateActive
	if policy.StrictMode {
		state = domain.StateLocked
	}

	s := &domain.Session{
		ID:        uuid.NewString(),
		PolicyID:  policy.ID,
		State:     state,
		StartedAt: o.now(),
	}
	if d := policy.SessionTimer(); d > 0 {
		s.ExpiresAt = s.StartedAt.Add(d)
	}

	// The ledger event comes first: a session row without a matching
	// activated event would reconcile as a forced termination that
	// never happened.
	detail := fmt.Sprintf("session=%s policy=%s strict=%t", s.ID, policy.ID, policy.StrictMode)
	if d := policy.SessionTimer(); d > 0 {
		detail += fmt.Sprintf(" expires=%s", s.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if _, err := o.ledger.Append(domain.EventActivated, detail); err != nil {
		return nil, fmt.Errorf("record activation: %w", err)
	}
	if err := o.sessions.SaveSession(*s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	// Policy is snapshotted: on-disk edits apply to the next activation.
	snap := *policy
	if snap.StrictMode && snap.Browser != "" && o.strictDeny != nil {
		snap.DeniedApps = append(append([]domain.ProcessMatcher{}, snap.DeniedApps...),
			o.strictDeny(snap.Browser)...)
	}
	o.session = s
	o.policy = snap
	o.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go o.enforceLoop(ctx)
	go o.heartbeatLoop(ctx)
	if !s.ExpiresAt.IsZero() {
		go o.timerLoop(ctx, s.ID, s.ExpiresAt)
	}

	o.logger.Info("session activated",
		zap.String("session", s.ID),
		zap.String("policy", policy.ID),
		zap.Bool("strict", policy.StrictMode))

	copied := *s
	return &copied, nil
}

// Deactivate ends the current session. Under strict mode the PIN is
// mandatory and a wrong PIN leaves the session untouched.
func (o *Orchestrator) Deactivate(pin string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return &domain.TransitionError{From: domain.StateInactive, Op: "deactivate"}
	}

	if o.session.State == domain.StateLocked {
		o.session.State = domain.StatePendingDeactivation
		if err := o.auth.Verify(pin); err != nil {
			o.session.State = domain.StateLocked
			return err
		}
	}

	return o.finishLocked("user_requested")
}

// expire ends the session because its timer ran out. PIN-exempt: the
// policy's own duration elected the end time.
func (o *Orchestrator) expire(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil || o.session.ID != sessionID {
		return
	}
	if err := o.finishLocked("timer_expired"); err != nil {
		o.logger.Error("timer deactivation failed", zap.Error(err))
	}
}

// finishLocked records the deactivation and stops the loops.
// Caller holds o.mu.
func (o *Orchestrator) finishLocked(reason string) error {
	s := o.session

	detail := fmt.Sprintf("session=%s policy=%s reason=%s violations=%d", s.ID, s.PolicyID, reason, s.ViolationCount)
	if _, err := o.ledger.Append(domain.EventDeactivated, detail); err != nil {
		return fmt.Errorf("record deactivation: %w", err)
	}
	if err := o.sessions.CloseSession(s.ID, domain.StateInactive); err != nil {
		o.logger.Error("failed to close session row", zap.Error(err))
	}

	o.cancel()
	o.session = nil
	close(o.done)

	o.logger.Info("session deactivated",
		zap.String("session", s.ID),
		zap.String("reason", reason),
		zap.Int("violations", s.ViolationCount))
	return nil
}

// Current returns a copy of the running session, nil when inactive.
func (o *Orchestrator) Current() *domain.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	copied := *o.session
	return &copied
}

// Done returns a channel closed when the running session ends. Nil
// when no session is active.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	return o.done
}

func (o *Orchestrator) enforceLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			if o.session == nil {
				o.mu.Unlock()
				return
			}
			policy := o.policy
			o.mu.Unlock()

			violations := 0
			if acts, err := o.procMon.Tick(ctx, policy); err != nil {
				o.logger.Debug("process tick failed", zap.Error(err))
			} else {
				violations += len(acts)
			}
			if acts, err := o.browserMon.Tick(ctx, policy); err != nil {
				o.logger.Debug("browser tick failed", zap.Error(err))
			} else {
				violations += len(acts)
			}
			if violations > 0 {
				o.recordViolations(violations)
			}
		}
	}
}

// recordViolations folds a tick's violation count into the session row.
func (o *Orchestrator) recordViolations(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return
	}
	o.session.ViolationCount += n
	if err := o.sessions.IncrementViolations(o.session.ID, n); err != nil {
		o.logger.Error("failed to persist violation count", zap.Error(err))
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			s := o.session
			o.mu.Unlock()
			if s == nil {
				return
			}
			detail := fmt.Sprintf("session=%s", s.ID)
			if _, err := o.ledger.Append(domain.EventHeartbeat, detail); err != nil {
				o.logger.Error("heartbeat append failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) timerLoop(ctx context.Context, sessionID string, expiresAt time.Time) {
	timer := time.NewTimer(time.Until(expiresAt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		o.expire(sessionID)
	}
}
