// Package audit is the append-only, tamper-evident record of every
// envelope, decision, and execution. Snapshots are hash-chained like a
// JSONL audit log: each row's prev_hash is the hash of the previous
// row's canonical JSON, so any mutation breaks the chain. The store
// exposes no update or delete.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/capgate/capgate/internal/model"
)

// GenesisHash is the prev_hash of the first snapshot in a new store.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Execution records one tool runner attempt inside a snapshot.
type Execution struct {
	IntentID string `json:"intent_id"`
	TokenID  string `json:"token_id"`
	Success  bool   `json:"success"`
	Detail   string `json:"detail,omitempty"`
}

// Snapshot is one immutable audit record. All fields are structs and
// strings (no map[string]any at the top level) so json.Marshal field
// order is deterministic and the chain hash reproducible. Corrections
// are new snapshots referencing the original via Corrects.
type Snapshot struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	RequestID  string          `json:"request_id"`
	InputHash  string          `json:"input_hash"`
	OutputHash string          `json:"output_hash"`
	Intents    []model.Intent  `json:"intents,omitempty"`
	Decision   *model.Decision `json:"decision,omitempty"`
	Executions []Execution     `json:"executions,omitempty"`
	Success    bool            `json:"success"`
	Corrects   string          `json:"corrects,omitempty"`
	Timestamp  string          `json:"ts"`
	PrevHash   string          `json:"prev_hash"`
}

// Store persists snapshots in sqlite, chained and ordered by arrival.
// Safe for concurrent use; Append is atomic.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	prevHash string
	seq      int64
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	agent_id   TEXT NOT NULL,
	request_id TEXT NOT NULL,
	ts         TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON snapshots(agent_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_request ON snapshots(request_id);
`

// Open opens (or creates) an audit store at the given sqlite path and
// recovers the chain tail from the last row.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}

	s := &Store{db: db, prevHash: GenesisHash}

	var body string
	var seq int64
	err = db.QueryRow(`SELECT seq, body FROM snapshots ORDER BY seq DESC LIMIT 1`).Scan(&seq, &body)
	switch err {
	case nil:
		s.prevHash = HashBody([]byte(body))
		s.seq = seq
	case sql.ErrNoRows:
	default:
		db.Close()
		return nil, fmt.Errorf("audit: recover chain tail: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one snapshot, assigning id, timestamp, and prev_hash.
/// Returns the snapshot id. There is no update path: corrections are
// new snapshots with Corrects set.
func (s *Store) Append(snap Snapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ID == "" {
		snap.ID = "snap-" + uuid.NewString()
	}
	if snap.Timestamp == "" {
		snap.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	snap.PrevHash = s.prevHash

	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("audit: marshal snapshot: %w", err)
	}

	if _, err := s.db.Exec(
		`INSERT INTO snapshots (id, agent_id, request_id, ts, prev_hash, body) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.AgentID, snap.RequestID, snap.Timestamp, snap.PrevHash, string(body),
	); err != nil {
		return "", fmt.Errorf("audit: insert snapshot: %w", err)
	}

	s.prevHash = HashBody(body)
	s.seq++
	return snap.ID, nil
}

// ByRequest returns the snapshots for a request id in arrival order.
func (s *Store) ByRequest(requestID string) ([]Snapshot, error) {
	return s.query(`SELECT body FROM snapshots WHERE request_id = ? ORDER BY seq`, requestID)
}

// ByAgent returns the snapshots for an agent id in arrival order.
func (s *Store) ByAgent(agentID string) ([]Snapshot, error) {
	return s.query(`SELECT body FROM snapshots WHERE agent_id = ? ORDER BY seq`, agentID)
}

func (s *Store) query(q string, args ...any) ([]Snapshot, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			return nil, fmt.Errorf("audit: unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Rows     int    `json:"rows"`
	Error    string `json:"error,omitempty"`
	ErrorSeq int64  `json:"error_seq,omitempty"`
}

// Verify walks every snapshot in insert order and validates the hash
// chain. Returns details about the first broken link.
func (s *Store) Verify() VerifyResult {
	rows, err := s.db.Query(`SELECT seq, prev_hash, body FROM snapshots ORDER BY seq`)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("query: %v", err)}
	}
	defer rows.Close()

	expected := GenesisHash
	count := 0
	for rows.Next() {
		var seq int64
		var prevHash, body string
		if err := rows.Scan(&seq, &prevHash, &body); err != nil {
			return VerifyResult{Error: fmt.Sprintf("scan: %v", err), ErrorSeq: seq}
		}
		count++
		if prevHash != expected {
			return VerifyResult{
				Error:    fmt.Sprintf("hash mismatch: expected %s, got %s", expected, prevHash),
				ErrorSeq: seq,
				Rows:     count,
			}
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse: %v", err), ErrorSeq: seq}
		}
		if snap.PrevHash != prevHash {
			return VerifyResult{
				Error:    fmt.Sprintf("body prev_hash %s disagrees with column %s", snap.PrevHash, prevHash),
				ErrorSeq: seq,
				Rows:     count,
			}
		}
		expected = HashBody([]byte(body))
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("rows: %v", err)}
	}
	return VerifyResult{Valid: true, Rows: count}
}

// HashBody returns "sha256:<hex>" of the given bytes.
func HashBody(body []byte) string {
	h := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(h[:])
}

// HashInput is a convenience for hashing request inputs and outputs
// into snapshot fields without storing the content itself.
func HashInput(content string) string {
	return HashBody([]byte(content))
}
