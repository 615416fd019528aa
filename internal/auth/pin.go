// Package auth implements the PIN authenticator gating session
// transitions. PINs are stored as salted PBKDF2 hashes and compared in
// constant time; no PIN ever reaches the ledger or the logs in clear.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

const (
	saltSize      = 16
	hashSize      = 32
	pbkdf2Iters   = 64_000
	minPinLength  = 4
	tempPinDigits = 6

	// Lockout kicks in after this many consecutive failures and doubles
	// per further failure, capped at lockoutMax.
	lockoutThreshold = 3
	lockoutBase      = 30 * time.Second
	lockoutMax       = 15 * time.Minute
)

// Authenticator verifies, sets and rotates the PIN, and records every
// failure in the audit ledger.
type Authenticator struct {
	store  domain.PinStore
	ledger domain.Ledger
	now    func() time.Time

	mu          sync.Mutex
	failures    int
	lockedUntil time.Time
}

// New creates a PIN authenticator.
func New(store domain.PinStore, ledger domain.Ledger) *Authenticator {
	return &Authenticator{
		store:  store,
		ledger: ledger,
		now:    time.Now,
	}
}

// NewWithClock creates an authenticator with an injected clock (for tests).
func NewWithClock(store domain.PinStore, ledger domain.Ledger, now func() time.Time) *Authenticator {
	a := New(store, ledger)
	a.now = now
	return a
}

// Configured reports whether a PIN record exists.
func (a *Authenticator) Configured() bool {
	return a.store.Exists()
}

// Verify checks a PIN candidate against the stored salted hash.
// Returns nil on match; ErrWrongPin on mismatch (logged as pin_failure);
// AuthRateLimitError while locked out after consecutive failures.
func (a *Authenticator) Verify(candidate string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if until := a.lockedUntil; a.now().Before(until) {
		return &domain.AuthRateLimitError{RetryAfter: until.Sub(a.now())}
	}

	rec, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("load pin record: %w", err)
	}
	if rec == nil {
		return domain.ErrNoPinConfigured
	}

	derived := deriveHash(candidate, rec.Salt, rec.Iterations)
	if subtle.ConstantTimeCompare(derived, rec.Hash) != 1 {
		a.registerFailure()
		return domain.ErrWrongPin
	}

	a.failures = 0
	a.lockedUntil = time.Time{}
	return nil
}

// registerFailure bumps the consecutive-failure count, extends the
// lockout window if over threshold, and appends a pin_failure event.
// Caller holds a.mu.
func (a *Authenticator) registerFailure() {
	a.failures++
	detail := fmt.Sprintf("consecutive_failures=%d", a.failures)
	if a.failures >= lockoutThreshold {
		backoff := lockoutBase << (a.failures - lockoutThreshold)
		if backoff > lockoutMax || backoff <= 0 {
			backoff = lockoutMax
		}
		a.lockedUntil = a.now().Add(backoff)
		detail += fmt.Sprintf(" lockout=%s", backoff)
	}
	if a.ledger != nil {
		// Best effort: a full ledger failure must not mask the auth result.
		_, _ = a.ledger.Append(domain.EventPinFailure, detail)
	}
}

// Set configures a new PIN. When a PIN already exists and is not marked
// for forced rotation, the current PIN must be supplied and correct.
func (a *Authenticator) Set(newPin, currentPin string) error {
	if len(newPin) < minPinLength {
		return &domain.ConfigError{Field: "pin", Reason: fmt.Sprintf("must be at least %d characters", minPinLength)}
	}

	rec, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("load pin record: %w", err)
	}

	if rec != nil && !rec.MustRotate {
		if err := a.Verify(currentPin); err != nil {
			if rlErr, ok := err.(*domain.AuthRateLimitError); ok {
				return rlErr
			}
			return domain.ErrWrongCurrentPin
		}
	}

	salt, err := randomSalt()
	if err != nil {
		return err
	}

	next := &domain.PinRecord{
		Salt:       salt,
		Hash:       deriveHash(newPin, salt, pbkdf2Iters),
		Iterations: pbkdf2Iters,
		UpdatedAt:  a.now(),
	}
	if rec != nil {
		next.RecoverySalt = rec.RecoverySalt
		next.RecoveryHash = rec.RecoveryHash
	}
	return a.store.Save(next)
}

// SetRecovery stores the recovery-answer hash. Requires the current PIN.
// Answers are case-folded and trimmed before hashing, matching how
// Recover normalizes its input.
func (a *Authenticator) SetRecovery(answer, currentPin string) error {
	rec, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("load pin record: %w", err)
	}
	if rec == nil {
		return domain.ErrNoPinConfigured
	}
	if err := a.Verify(currentPin); err != nil {
		return domain.ErrWrongCurrentPin
	}

	salt, err := randomSalt()
	if err != nil {
		return err
	}
	rec.RecoverySalt = salt
	rec.RecoveryHash = deriveHash(normalizeAnswer(answer), salt, pbkdf2Iters)
	rec.UpdatedAt = a.now()
	return a.store.Save(rec)
}

// Recover resets the PIN using the recovery answer. On success it
// installs a random temporary PIN, marks the record for forced rotation
// and returns the temporary PIN. Failures count toward the lockout.
func (a *Authenticator) Recover(answer string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if until := a.lockedUntil; a.now().Before(until) {
		return "", &domain.AuthRateLimitError{RetryAfter: until.Sub(a.now())}
	}

	rec, err := a.store.Load()
	if err != nil {
		return "", fmt.Errorf("load pin record: %w", err)
	}
	if rec == nil || !rec.HasRecovery() {
		return "", domain.ErrNoPinConfigured
	}

	derived := deriveHash(normalizeAnswer(answer), rec.RecoverySalt, rec.Iterations)
	if subtle.ConstantTimeCompare(derived, rec.RecoveryHash) != 1 {
		a.registerFailure()
		return "", domain.ErrRecoveryMismatch
	}

	tempPin, err := randomDigits(tempPinDigits)
	if err != nil {
		return "", err
	}
	salt, err := randomSalt()
	if err != nil {
		return "", err
	}

	rec.Salt = salt
	rec.Hash = deriveHash(tempPin, salt, pbkdf2Iters)
	rec.Iterations = pbkdf2Iters
	rec.MustRotate = true
	rec.UpdatedAt = a.now()
	if err := a.store.Save(rec); err != nil {
		return "", err
	}

	a.failures = 0
	a.lockedUntil = time.Time{}
	return tempPin, nil
}

func deriveHash(secret string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = pbkdf2Iters
	}
	return pbkdf2.Key([]byte(secret), salt, iterations, hashSize, sha256.New)
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

func randomSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// randomDigits returns a cryptographically random numeric string.
func randomDigits(n int) (string, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%d", d.Int64())
	}
	return b.String(), nil
}
