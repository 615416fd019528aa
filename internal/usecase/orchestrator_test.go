package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focus_guard/internal/auth"
	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
	"github.com/eliteGoblin/focusd/focus_guard/internal/monitor"
)

// mockLedger implements domain.Ledger for testing
type mockLedger struct {
	mu        sync.Mutex
	events    []domain.AuditEvent
	appendErr error
}

func (m *mockLedger) Append(kind domain.AuditKind, detail string) (*domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	ev := domain.AuditEvent{Seq: int64(len(m.events) + 1), Kind: kind, Detail: detail}
	m.events = append(m.events, ev)
	return &ev, nil
}

func (m *mockLedger) failAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

func (m *mockLedger) VerifyChain() error { return nil }

func (m *mockLedger) LastByKind(kinds ...domain.AuditKind) (*domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		for _, k := range kinds {
			if m.events[i].Kind == k {
				ev := m.events[i]
				return &ev, nil
			}
		}
	}
	return nil, nil
}

func (m *mockLedger) Tail(n int) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= len(m.events) {
		return m.events, nil
	}
	return m.events[len(m.events)-n:], nil
}

func (m *mockLedger) byKind(kind domain.AuditKind) []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEvent
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// mockSessionStore implements domain.SessionStore for testing
type mockSessionStore struct {
	mu   sync.Mutex
	rows map[string]domain.Session
	open map[string]bool
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{rows: make(map[string]domain.Session), open: make(map[string]bool)}
}

func (m *mockSessionStore) SaveSession(s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	m.open[s.ID] = true
	return nil
}

func (m *mockSessionStore) OpenSessions() ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for id, isOpen := range m.open {
		if isOpen {
			out = append(out, m.rows[id])
		}
	}
	return out, nil
}

func (m *mockSessionStore) CloseSession(id string, state domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[id]
	s.State = state
	m.rows[id] = s
	m.open[id] = false
	return nil
}

func (m *mockSessionStore) IncrementViolations(id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[id]
	s.ViolationCount += n
	m.rows[id] = s
	return nil
}

// mockPolicyStore implements domain.PolicyStore for testing
type mockPolicyStore struct {
	policies []domain.Policy
}

func (m *mockPolicyStore) GetAll() []domain.Policy { return m.policies }

func (m *mockPolicyStore) GetByID(id string) (*domain.Policy, error) {
	for _, p := range m.policies {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *mockPolicyStore) List() []string {
	ids := make([]string, len(m.policies))
	for i, p := range m.policies {
		ids[i] = p.ID
	}
	return ids
}

// mockPinStore implements domain.PinStore for testing
type mockPinStore struct {
	rec *domain.PinRecord
}

func (m *mockPinStore) Load() (*domain.PinRecord, error) { return m.rec, nil }
func (m *mockPinStore) Save(r *domain.PinRecord) error   { m.rec = r; return nil }
func (m *mockPinStore) Exists() bool                     { return m.rec != nil }

// mockProcessController implements domain.ProcessController for testing
type mockProcessController struct{}

func (m *mockProcessController) List() ([]domain.ProcessInfo, error) { return nil, nil }
func (m *mockProcessController) Terminate(pid int32) error           { return nil }
func (m *mockProcessController) CurrentPID() int32                   { return 1 }

// mockTransport implements domain.BrowserTransport for testing
type mockTransport struct{}

func (m *mockTransport) Alive(ctx context.Context) bool                       { return true }
func (m *mockTransport) ListPages(ctx context.Context) ([]domain.Page, error) { return nil, nil }
func (m *mockTransport) ClosePage(ctx context.Context, id string) error       { return nil }
func (m *mockTransport) OpenPage(ctx context.Context, url string) error       { return nil }
func (m *mockTransport) Navigate(ctx context.Context, p domain.Page, url string) error {
	return nil
}

// mockLauncher implements domain.BrowserLauncher for testing
type mockLauncher struct{}

func (m *mockLauncher) Find(kind domain.BrowserKind) (string, error) { return "", nil }
func (m *mockLauncher) Launch(kind domain.BrowserKind) error         { return nil }

type fixture struct {
	orch     *Orchestrator
	ledger   *mockLedger
	sessions *mockSessionStore
	pins     *mockPinStore
}

func newFixture(t *testing.T, policies ...domain.Policy) *fixture {
	t.Helper()
	logger := zap.NewNop()
	ledger := &mockLedger{}
	sessions := newMockSessionStore()
	pins := &mockPinStore{}
	a := auth.New(pins, ledger)
	pm := monitor.NewProcessMonitor(&mockProcessController{}, ledger, logger)
	bm := monitor.NewBrowserMonitor(&mockTransport{}, &mockLauncher{}, ledger, logger)

	o := New(&mockPolicyStore{policies: policies}, a, ledger, sessions, pm, bm, logger)
	o.pollInterval = time.Hour
	o.heartbeatInterval = time.Hour
	require.NoError(t, o.Reconcile())
	return &fixture{orch: o, ledger: ledger, sessions: sessions, pins: pins}
}

func (f *fixture) setPin(t *testing.T, pin string) {
	t.Helper()
	a := auth.New(f.pins, f.ledger)
	require.NoError(t, a.Set(pin, ""))
}

func TestOrchestrator_ActivateRequiresReconcile(t *testing.T) {
	ledger := &mockLedger{}
	pins := &mockPinStore{}
	a := auth.New(pins, ledger)
	pm := monitor.NewProcessMonitor(&mockProcessController{}, ledger, zap.NewNop())
	bm := monitor.NewBrowserMonitor(&mockTransport{}, &mockLauncher{}, ledger, zap.NewNop())
	o := New(&mockPolicyStore{policies: []domain.Policy{{ID: "p"}}}, a, ledger,
		newMockSessionStore(), pm, bm, zap.NewNop())

	_, err := o.Activate("p", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconciliation")
}

func TestOrchestrator_ActivateUnknownMode(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Activate("nope", "")
	require.Error(t, err)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestOrchestrator_ActivateAndDoubleActivate(t *testing.T) {
	f := newFixture(t, domain.Policy{ID: "deep-work"})

	s, err := f.orch.Activate("deep-work", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, s.State)
	assert.Equal(t, "deep-work", s.PolicyID)
	assert.True(t, s.ExpiresAt.IsZero())

	events := f.ledger.byKind(domain.EventActivated)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "policy=deep-work")

	open, err := f.sessions.OpenSessions()
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = f.orch.Activate("deep-work", "")
	require.Error(t, err)
	var trErr *domain.TransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "activate", trErr.Op)

	require.NoError(t, f.orch.Deactivate(""))
}

func TestOrchestrator_PinToActivate(t *testing.T) {
	f := newFixture(t, domain.Policy{ID: "exam", PinToActivate: true})
	f.setPin(t, "1234")

	_, err := f.orch.Activate("exam", "9999")
	assert.ErrorIs(t, err, domain.ErrWrongPin)
	assert.Nil(t, f.orch.Current())

	s, err := f.orch.Activate("exam", "1234")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, s.State)

	require.NoError(t, f.orch.Deactivate(""))
}

func TestOrchestrator_PinToActivateWithoutPinConfigured(t *testing.T) {
	f := newFixture(t, domain.Policy{ID: "exam", PinToActivate: true})

	_, err := f.orch.Activate("exam", "1234")
	assert.ErrorIs(t, err, domain.ErrNoPinConfigured)
}

func TestOrchestrator_StrictModeDeactivation(t *testing.T) {
	f := newFixture(t, domain.Policy{ID: "lockdown", StrictMode: true})
	f.setPin(t, "4321")

	s, err := f.orch.Activate("lockdown", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateLocked, s.State)

	// Wrong PIN: session stays locked.
	err = f.orch.Deactivate("0000")
	assert.ErrorIs(t, err, domain.ErrWrongPin)
	cur := f.orch.Current()
	require.NotNil(t, cur)
	assert.Equal(t, domain.StateLocked, cur.State)

	require.NoError(t, f.orch.Deactivate("4321"))
	assert.Nil(t, f.orch.Current())

	events := f.ledger.byKind(domain.EventDeactivated)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "reason=user_requested")

	open, err := f.sessions.OpenSessions()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOrchestrator_DeactivateWhenInactive(t *testing.T) {
	f := newFixture(t)

	err := f.orch.Deactivate("")
	require.Error(t, err)
	var trErr *domain.TransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, domain.StateInactive, trErr.From)
}

func TestOrchestrator_TimerExpiry(t *testing.T) {
	f := newFixture(t, domain.Policy{ID: "pomodoro", StrictMode: true, SessionMinutes: 25})
	f.setPin(t, "1234")

	s, err := f.orch.Activate("pomodoro", "")
	require.NoError(t, err)
	assert.False(t, s.ExpiresAt.IsZero())
	done := f.orch.Done()
	require.NotNil(t, done)

	// Timer expiry needs no PIN even under strict mode.
	f.orch.expire(s.ID)
	assert.Nil(t, f.orch.Current())

	select {
	case <-done:
	default:
		t.Fatal("done channel not closed after expiry")
	}

	events := f.ledger.byKind(domain.EventDeactivated)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "reason=timer_expired")

	// A stale timer firing again is a no-op.
	f.orch.expire(s.ID)
	assert.Len(t, f.ledger.byKind(domain.EventDeactivated), 1)
}

func TestOrchestrator_HeartbeatEmitted(t *testing.T) {
	f := newFixture(t, domain.Policy{ID: "deep-work"})
	f.orch.SetIntervals(time.Hour, 20*time.Millisecond)

	s, err := f.orch.Activate("deep-work", "")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.ledger.byKind(domain.EventHeartbeat)) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	beats := f.ledger.byKind(domain.EventHeartbeat)
	require.GreaterOrEqual(t, len(beats), 2)
	assert.Equal(t, "session="+s.ID, beats[0].Detail)

	require.NoError(t, f.orch.Deactivate(""))
}

func TestOrchestrator_ActivateLedgerFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t, domain.Policy{ID: "deep-work"})
	f.ledger.failAppends(errors.New("database is locked"))

	_, err := f.orch.Activate("deep-work", "")
	require.Error(t, err)
	assert.Nil(t, f.orch.Current())

	// No session row may exist without its activated event: a leftover
	// row would reconcile as a forced termination that never happened.
	open, err := f.sessions.OpenSessions()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOrchestrator_ExpireIgnoresStaleSession(t *testing.T) {
	f := newFixture(t, domain.Policy{ID: "a"}, domain.Policy{ID: "b"})

	s1, err := f.orch.Activate("a", "")
	require.NoError(t, err)
	require.NoError(t, f.orch.Deactivate(""))

	s2, err := f.orch.Activate("b", "")
	require.NoError(t, err)

	// Expiry for the old session must not touch the new one.
	f.orch.expire(s1.ID)
	cur := f.orch.Current()
	require.NotNil(t, cur)
	assert.Equal(t, s2.ID, cur.ID)

	require.NoError(t, f.orch.Deactivate(""))
}

func TestOrchestrator_StrictModeDeniesRivalBrowsers(t *testing.T) {
	f := newFixture(t, domain.Policy{
		ID:           "lockdown",
		StrictMode:   true,
		Browser:      domain.BrowserChrome,
		LockedDomain: "docs.example.com",
	})
	f.setPin(t, "1234")
	f.orch.SetStrictBrowserDeny(func(allowed domain.BrowserKind) []domain.ProcessMatcher {
		assert.Equal(t, domain.BrowserChrome, allowed)
		return []domain.ProcessMatcher{{Name: "firefox"}, {Name: "msedge"}}
	})

	_, err := f.orch.Activate("lockdown", "")
	require.NoError(t, err)

	f.orch.mu.Lock()
	denied := f.orch.policy.DeniedApps
	f.orch.mu.Unlock()
	require.Len(t, denied, 2)
	assert.Equal(t, "firefox", denied[0].Name)

	require.NoError(t, f.orch.Deactivate("1234"))
}

func TestOrchestrator_ReconcileOpenSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sessions.SaveSession(domain.Session{
		ID:        "stale-1",
		PolicyID:  "deep-work",
		State:     domain.StateActive,
		StartedAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, f.orch.Reconcile())

	events := f.ledger.byKind(domain.EventForcedTermination)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "session=stale-1")

	open, err := f.sessions.OpenSessions()
	require.NoError(t, err)
	assert.Empty(t, open)

	// A second reconcile finds nothing new: the forced termination is
	// now the last lifecycle event.
	require.NoError(t, f.orch.Reconcile())
	assert.Len(t, f.ledger.byKind(domain.EventForcedTermination), 1)
}

func TestOrchestrator_ReconcileDanglingActivation(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Append(domain.EventActivated, "session=lost policy=deep-work")
	require.NoError(t, err)

	require.NoError(t, f.orch.Reconcile())

	events := f.ledger.byKind(domain.EventForcedTermination)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "policy=deep-work")
}

func TestOrchestrator_ReconcileCleanHistory(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Append(domain.EventActivated, "session=s1")
	require.NoError(t, err)
	_, err = f.ledger.Append(domain.EventDeactivated, "session=s1")
	require.NoError(t, err)

	require.NoError(t, f.orch.Reconcile())
	assert.Empty(t, f.ledger.byKind(domain.EventForcedTermination))
}
