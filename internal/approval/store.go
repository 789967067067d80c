// Package approval tracks pending confirmations. A decision outcome of
// need_confirmation parks the intent here until a human resolves it;
// a confirmed entry is single-use and expires if never used. The store
// never executes anything: confirmation feeds a resubmission through
// the full decision path.
package approval

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of one confirmation entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDenied    Status = "denied"
	StatusConsumed  Status = "consumed"
	StatusExpired   Status = "expired"
)

// DefaultTTL bounds how long a confirmation stays actionable. A stale
// confirmation is as dangerous as no confirmation.
const DefaultTTL = 15 * time.Minute

// ErrNotFound is returned for unknown request/intent pairs.
var ErrNotFound = errors.New("approval: no such confirmation")

// Entry is one parked intent awaiting confirmation.
type Entry struct {
	RequestID  string     `json:"request_id"`
	IntentID   string     `json:"intent_id"`
	AgentID    string     `json:"agent_id"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store persists confirmation entries in sqlite. Safe for concurrent
// use.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	mu  sync.Mutex
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS confirmations (
	request_id  TEXT NOT NULL,
	intent_id   TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	resolved_at TEXT,
	PRIMARY KEY (request_id, intent_id)
);
CREATE INDEX IF NOT EXISTS idx_confirmations_status ON confirmations(status);
`

// Open opens (or creates) a confirmation store at the given sqlite
// path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("approval: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("approval: init schema: %w", err)
	}
	return &Store{db: db, ttl: DefaultTTL, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetTTL overrides the confirmation lifetime.
func (s *Store) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Park records a pending confirmation. Re-parking an existing pending
// pair is a no-op; a resolved pair starts over as pending.
func (s *Store) Park(requestID, intentID, agentID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	entry, err := s.read(requestID, intentID)
	if err == nil && entry.Status == StatusPending && now.Before(entry.ExpiresAt) {
		return nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO confirmations (request_id, intent_id, agent_id, reason, status, created_at, expires_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(request_id, intent_id) DO UPDATE SET
		   reason = excluded.reason, status = excluded.status,
		   created_at = excluded.created_at, expires_at = excluded.expires_at,
		   resolved_at = NULL`,
		requestID, intentID, agentID, reason, string(StatusPending),
		now.Format(time.RFC3339Nano), now.Add(s.ttl).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("approval: park: %w", err)
	}
	return nil
}

// Confirm resolves a pending entry to confirmed. Only pending entries
// inside their lifetime can be confirmed.
func (s *Store) Confirm(requestID, intentID string) error {
	return s.resolve(requestID, intentID, StatusConfirmed)
}

// Deny resolves a pending entry to denied.
func (s *Store) Deny(requestID, intentID string) error {
	return s.resolve(requestID, intentID, StatusDenied)
}

func (s *Store) resolve(requestID, intentID string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.read(requestID, intentID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if entry.Status != StatusPending {
		return fmt.Errorf("approval: %s/%s already %s", requestID, intentID, entry.Status)
	}
	if now.After(entry.ExpiresAt) {
		s.writeStatus(requestID, intentID, StatusExpired, &now)
		return fmt.Errorf("approval: %s/%s expired before resolution", requestID, intentID)
	}
	return s.writeStatus(requestID, intentID, to, &now)
}

// Check returns the current status, demoting lapsed entries to
// expired.
func (s *Store) Check(requestID, intentID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.read(requestID, intentID)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	if (entry.Status == StatusPending || entry.Status == StatusConfirmed) && now.After(entry.ExpiresAt) {
		s.writeStatus(requestID, intentID, StatusExpired, &now)
		return StatusExpired, nil
	}
	return entry.Status, nil
}

// Consume spends a confirmed entry. Exactly one Consume succeeds per
// confirmation; the gateway calls it when the confirmed intent is
// resubmitted.
func (s *Store) Consume(requestID, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.read(requestID, intentID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if entry.Status != StatusConfirmed {
		return fmt.Errorf("approval: %s/%s is %s, not confirmed", requestID, intentID, entry.Status)
	}
	if now.After(entry.ExpiresAt) {
		s.writeStatus(requestID, intentID, StatusExpired, &now)
		return fmt.Errorf("approval: %s/%s confirmation expired", requestID, intentID)
	}
	return s.writeStatus(requestID, intentID, StatusConsumed, &now)
}

// Pending lists unresolved entries, oldest first.
func (s *Store) Pending() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT request_id, intent_id, agent_id, reason, status, created_at, expires_at, resolved_at
		 FROM confirmations WHERE status = ? ORDER BY created_at`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("approval: pending query: %w", err)
	}
	defer rows.Close()

	now := s.now().UTC()
	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if now.After(entry.ExpiresAt) {
			continue
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) read(requestID, intentID string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT request_id, intent_id, agent_id, reason, status, created_at, expires_at, resolved_at
		 FROM confirmations WHERE request_id = ? AND intent_id = ?`, requestID, intentID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) writeStatus(requestID, intentID string, to Status, resolvedAt *time.Time) error {
	var resolved any
	if resolvedAt != nil {
		resolved = resolvedAt.Format(time.RFC3339Nano)
	}
	if _, err := s.db.Exec(
		`UPDATE confirmations SET status = ?, resolved_at = ? WHERE request_id = ? AND intent_id = ?`,
		string(to), resolved, requestID, intentID,
	); err != nil {
		return fmt.Errorf("approval: update status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var status, createdAt, expiresAt string
	var resolvedAt sql.NullString
	if err := row.Scan(&e.RequestID, &e.IntentID, &e.AgentID, &e.Reason, &status, &createdAt, &expiresAt, &resolvedAt); err != nil {
		if err == sql.ErrNoRows {
			return e, err
		}
		return e, fmt.Errorf("approval: scan: %w", err)
	}
	e.Status = Status(status)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		e.ResolvedAt = &t
	}
	return e, nil
}
