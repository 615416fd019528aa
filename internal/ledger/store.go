// Package ledger implements the tamper-evident audit ledger and session
// history on a SQLCipher-encrypted SQLite database.
//
// Append is the single write primitive. Every event carries an integrity
// tag chained over the previous event's tag, so deleting or editing any
// stored row breaks VerifyChain at that position. External reporting
// tools read this database; nothing outside this package writes to it.
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the sqlite3 driver with SQLCipher support

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

const (
	ledgerDBName = "ledger.db"

	// schemaVersion is bumped on schema changes; migrations append a
	// schema_migrated event rather than rewriting history.
	schemaVersion = 1

	// genesisTag seeds the chain before the first event.
	genesisTag = "genesis"
)

// Store implements domain.Ledger and domain.SessionStore on one
// encrypted database so reconciliation and stats share a single source.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open opens (or creates) the encrypted ledger database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func Open(dataDir string, key []byte) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, ledgerDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, now: time.Now}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// bootstrap creates the schema and records migrations.
func (s *Store) bootstrap() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq       INTEGER PRIMARY KEY,
		ts        INTEGER NOT NULL,
		kind      TEXT NOT NULL,
		detail    TEXT NOT NULL,
		prev_tag  TEXT NOT NULL,
		tag       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		policy_id       TEXT NOT NULL,
		state           TEXT NOT NULL,
		started_at      INTEGER NOT NULL,
		ended_at        INTEGER,
		violation_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	var stored string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprintf("%d", schemaVersion))
		return err
	case err != nil:
		return err
	}

	if stored != fmt.Sprintf("%d", schemaVersion) {
		if _, err := s.db.Exec(`UPDATE meta SET value = ? WHERE key = 'schema_version'`,
			fmt.Sprintf("%d", schemaVersion)); err != nil {
			return err
		}
		_, err := s.Append(domain.EventSchemaMigrated,
			fmt.Sprintf("from=%s to=%d", stored, schemaVersion))
		return err
	}
	return nil
}

// Path returns the database file path (for status output).
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- domain.Ledger implementation ---

// Append persists one event synchronously. The integrity tag is
// SHA-256 over the previous tag and this record's serialized fields, so
// a crash cannot lose the latest tag without also losing the event it
// protects.
func (s *Store) Append(kind domain.AuditKind, detail string) (*domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	prevTag := genesisTag
	err = tx.QueryRow(`SELECT seq, tag FROM audit_log ORDER BY seq DESC LIMIT 1`).
		Scan(&lastSeq, &prevTag)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	ev := &domain.AuditEvent{
		Seq:       lastSeq + 1,
		Timestamp: s.now().UTC().Truncate(time.Microsecond),
		Kind:      kind,
		Detail:    detail,
		PrevTag:   prevTag,
	}
	ev.Tag = chainTag(ev)

	if _, err := tx.Exec(
		`INSERT INTO audit_log (seq, ts, kind, detail, prev_tag, tag) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.Timestamp.UnixMicro(), string(ev.Kind), ev.Detail, ev.PrevTag, ev.Tag,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ev, nil
}

// VerifyChain replays the whole chain and fails at the first broken link.
func (s *Store) VerifyChain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT seq, ts, kind, detail, prev_tag, tag FROM audit_log ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()

	prevTag := genesisTag
	expectSeq := int64(1)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if ev.Seq != expectSeq {
			return &domain.IntegrityError{Seq: ev.Seq, Reason: fmt.Sprintf("sequence gap, expected %d", expectSeq)}
		}
		if ev.PrevTag != prevTag {
			return &domain.IntegrityError{Seq: ev.Seq, Reason: "prev_tag does not match previous record"}
		}
		if chainTag(&ev) != ev.Tag {
			return &domain.IntegrityError{Seq: ev.Seq, Reason: "tag does not match record fields"}
		}
		prevTag = ev.Tag
		expectSeq++
	}
	return rows.Err()
}

// LastByKind returns the newest event of any of the given kinds.
func (s *Store) LastByKind(kinds ...domain.AuditKind) (*domain.AuditEvent, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := ""
	args := make([]any, 0, len(kinds))
	for i, k := range kinds {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(k))
	}

	row := s.db.QueryRow(
		`SELECT seq, ts, kind, detail, prev_tag, tag FROM audit_log
		 WHERE kind IN (`+placeholders+`) ORDER BY seq DESC LIMIT 1`, args...)

	ev, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Tail returns the newest n events, oldest first.
func (s *Store) Tail(n int) ([]domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT seq, ts, kind, detail, prev_tag, tag FROM
		 (SELECT * FROM audit_log ORDER BY seq DESC LIMIT ?) ORDER BY seq`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- domain.SessionStore implementation ---

// SaveSession inserts or updates a session row.
func (s *Store) SaveSession(sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (id, policy_id, state, started_at, ended_at, violation_count)
		VALUES (?, ?, ?, ?, NULL, ?)`,
		sess.ID, sess.PolicyID, string(sess.State), sess.StartedAt.UnixMicro(), sess.ViolationCount,
	)
	return err
}

// OpenSessions returns sessions that were started but never closed.
// On startup these are the footprint of a forced termination.
func (s *Store) OpenSessions() ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, policy_id, state, started_at, violation_count FROM sessions WHERE ended_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var state string
		var startedAt int64
		if err := rows.Scan(&sess.ID, &sess.PolicyID, &state, &startedAt, &sess.ViolationCount); err != nil {
			return nil, err
		}
		sess.State = domain.SessionState(state)
		sess.StartedAt = time.UnixMicro(startedAt).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CloseSession marks a session ended with the given final state.
func (s *Store) CloseSession(id string, state domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET state = ?, ended_at = ? WHERE id = ?`,
		string(state), s.now().UTC().UnixMicro(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %q not found", id)
	}
	return nil
}

// IncrementViolations bumps the violation counter for a session row.
func (s *Store) IncrementViolations(id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET violation_count = violation_count + ? WHERE id = ?`, n, id)
	return err
}

// --- helpers ---

// chainTag computes the integrity tag for an event whose Tag field is
// not yet set: hash(prev_tag || seq || ts || kind || detail).
func chainTag(ev *domain.AuditEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s|%s", ev.PrevTag, ev.Seq, ev.Timestamp.UnixMicro(), ev.Kind, ev.Detail)
	return hex.EncodeToString(h.Sum(nil))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (domain.AuditEvent, error) {
	var ev domain.AuditEvent
	var ts int64
	var kind string
	err := r.Scan(&ev.Seq, &ts, &kind, &ev.Detail, &ev.PrevTag, &ev.Tag)
	if err != nil {
		return ev, err
	}
	ev.Timestamp = time.UnixMicro(ts).UTC()
	ev.Kind = domain.AuditKind(kind)
	return ev, nil
}

func scanEventRow(r *sql.Row) (domain.AuditEvent, error) {
	return scanEvent(r)
}

// Ensure Store implements both interfaces.
var _ domain.Ledger = (*Store)(nil)
var _ domain.SessionStore = (*Store)(nil)
