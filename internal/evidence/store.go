// Package evidence holds untrusted content server-side, chunked and
// addressable only by opaque reference. The store owns all chunk
// bytes; everything else holds ids. That ownership is what makes the
// no-untrusted-concatenation invariant checkable: any payload headed
// for a proposer can be probed against stored chunk content.
package evidence

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/capgate/capgate/internal/model"
)

// chunkSize is the split boundary for stored content.
const chunkSize = 4096

// minProbeLen is the shortest chunk prefix considered for content
// containment probing. Shorter fragments produce false positives on
// ordinary prose.
const minProbeLen = 32

// Chunk is one addressable slice of a bundle.
type Chunk struct {
	ID       string     `json:"id"`
	BundleID string     `json:"bundle_id"`
	Seq      int        `json:"seq"`
	Start    int        `json:"start"`
	End      int        `json:"end"`
	Hash     string     `json:"hash"`
	Score    float64    `json:"score"`
	Tags     []string   `json:"tags,omitempty"`
	Tier     model.Tier `json:"tier"`
}

// Store persists evidence bundles in sqlite. Safe for concurrent use.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	fetches map[string]*fetchWindow // request id -> window

	fetchLimit  int
	fetchWindow time.Duration

	// Logf receives one line per explicit content fetch. Defaults to a
	// no-op; the gateway points it at the audit trail.
	Logf func(format string, args ...any)
}

type fetchWindow struct {
	start time.Time
	count int
}

const schema = `
CREATE TABLE IF NOT EXISTS bundles (
	id         TEXT PRIMARY KEY,
	source_uri TEXT NOT NULL,
	session_id TEXT NOT NULL,
	tier       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	id        TEXT PRIMARY KEY,
	bundle_id TEXT NOT NULL REFERENCES bundles(id),
	seq       INTEGER NOT NULL,
	start     INTEGER NOT NULL,
	end       INTEGER NOT NULL,
	hash      TEXT NOT NULL,
	content   BLOB NOT NULL,
	score     REAL NOT NULL,
	tags      TEXT NOT NULL,
	tier      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_bundle ON chunks(bundle_id);
CREATE INDEX IF NOT EXISTS idx_bundles_session ON bundles(session_id);
`

// DefaultFetchLimit caps explicit content fetches per request window.
// Prevents a proposer from reconstructing full untrusted content by
// looping fetch calls.
const DefaultFetchLimit = 20

// DefaultFetchWindow is the rate limit window for fetches.
const DefaultFetchWindow = time.Minute

// Open opens (or creates) an evidence store at the given sqlite path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("evidence: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("evidence: init schema: %w", err)
	}
	return &Store{
		db:          db,
		fetches:     make(map[string]*fetchWindow),
		fetchLimit:  DefaultFetchLimit,
		fetchWindow: DefaultFetchWindow,
		Logf:        func(string, ...any) {},
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores content as a new bundle for the given session, split on
// the chunk boundary. Every chunk inherits the bundle tier and risk
// unless re-scored later. Returns the bundle id.
func (s *Store) Put(content, sourceURI, sessionID string, tier model.Tier, score float64, tags []string) (string, error) {
	bundleID := "bndl-" + uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("evidence: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		`INSERT INTO bundles (id, source_uri, session_id, tier, created_at) VALUES (?, ?, ?, ?, ?)`,
		bundleID, sourceURI, sessionID, string(tier), now,
	); err != nil {
		return "", fmt.Errorf("evidence: insert bundle: %w", err)
	}

	tagStr := strings.Join(tags, ",")
	for seq, start := 0, 0; start < len(content) || seq == 0; seq++ {
		end := start + chunkSize
		if end > len(content) {
			end = len(content)
		}
		part := content[start:end]
		sum := sha256.Sum256([]byte(part))
		chunkID := fmt.Sprintf("%s-c%03d", bundleID, seq)
		if _, err := tx.Exec(
			`INSERT INTO chunks (id, bundle_id, seq, start, end, hash, content, score, tags, tier)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			chunkID, bundleID, seq, start, end,
			"sha256:"+hex.EncodeToString(sum[:]), []byte(part), score, tagStr, string(tier),
		); err != nil {
			return "", fmt.Errorf("evidence: insert chunk: %w", err)
		}
		start = end
		if start >= len(content) {
			break
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("evidence: commit: %w", err)
	}
	return bundleID, nil
}

// Reference returns the chunk references for a bundle: ids, tags, and
// tiers only. No content ever crosses this call.
func (s *Store) Reference(bundleID string) ([]model.EvidenceRef, error) {
	rows, err := s.db.Query(
		`SELECT id, tags, tier FROM chunks WHERE bundle_id = ? ORDER BY seq`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("evidence: reference query: %w", err)
	}
	defer rows.Close()

	var refs []model.EvidenceRef
	for rows.Next() {
		var id, tags, tier string
		if err := rows.Scan(&id, &tags, &tier); err != nil {
			return nil, fmt.Errorf("evidence: reference scan: %w", err)
		}
		ref := model.EvidenceRef{BundleID: bundleID, ChunkID: id, Tier: model.Tier(tier)}
		if tags != "" {
			ref.Tags = strings.Split(tags, ",")
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: reference rows: %w", err)
	}
	if refs == nil {
		return nil, fmt.Errorf("evidence: unknown bundle %q", bundleID)
	}
	return refs, nil
}

// Fetch returns the raw content of one chunk. The call is explicit,
// logged, and rate-limited per request to stop piecemeal
// reconstruction of untrusted content.
func (s *Store) Fetch(requestID, bundleID, chunkID string) ([]byte, error) {
	if err := s.allowFetch(requestID); err != nil {
		return nil, err
	}

	var content []byte
	err := s.db.QueryRow(
		`SELECT content FROM chunks WHERE id = ? AND bundle_id = ?`, chunkID, bundleID,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("evidence: unknown chunk %q in bundle %q", chunkID, bundleID)
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: fetch: %w", err)
	}
	s.Logf("evidence fetch: request=%s bundle=%s chunk=%s bytes=%d", requestID, bundleID, chunkID, len(content))
	return content, nil
}

// allowFetch enforces the per-request fetch rate limit. Window counters
// reset when the window elapses.
func (s *Store) allowFetch(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w := s.fetches[requestID]
	if w == nil || now.Sub(w.start) >= s.fetchWindow {
		w = &fetchWindow{start: now}
		s.fetches[requestID] = w
	}
	if w.count >= s.fetchLimit {
		return fmt.Errorf("evidence: fetch rate limit exceeded for request %s (%d in %s)",
			requestID, w.count, s.fetchWindow)
	}
	w.count++
	return nil
}

// SetFetchLimit overrides the per-request fetch budget.
func (s *Store) SetFetchLimit(n int, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchLimit = n
	s.fetchWindow = window
}

// ContainsContent reports whether the payload embeds raw stored
// evidence, detected by exact hash match against any chunk or by
// substring match against a chunk prefix of at least minProbeLen
// bytes. Used by the engine's concatenation guard.
func (s *Store) ContainsContent(sessionID, payload string) (bool, error) {
	if payload == "" {
		return false, nil
	}
	sum := sha256.Sum256([]byte(payload))
	payloadHash := "sha256:" + hex.EncodeToString(sum[:])

	rows, err := s.db.Query(
		`SELECT c.hash, c.content FROM chunks c
		 JOIN bundles b ON b.id = c.bundle_id
		 WHERE b.session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("evidence: contains query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		var content []byte
		if err := rows.Scan(&hash, &content); err != nil {
			return false, fmt.Errorf("evidence: contains scan: %w", err)
		}
		if hash == payloadHash {
			return true, nil
		}
		probe := string(content)
		if len(probe) > minProbeLen {
			probe = probe[:minProbeLen]
		}
		if len(strings.TrimSpace(probe)) >= minProbeLen/2 && strings.Contains(payload, probe) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ReleaseSession garbage-collects every bundle owned by a session.
// Bundles live for the duration of a request/session only.
func (s *Store) ReleaseSession(sessionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("evidence: begin release: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM chunks WHERE bundle_id IN (SELECT id FROM bundles WHERE session_id = ?)`,
		sessionID,
	); err != nil {
		return fmt.Errorf("evidence: release chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM bundles WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("evidence: release bundles: %w", err)
	}
	return tx.Commit()
}

// Chunks returns chunk metadata for a bundle, without content.
func (s *Store) Chunks(bundleID string) ([]Chunk, error) {
	rows, err := s.db.Query(
		`SELECT id, bundle_id, seq, start, end, hash, score, tags, tier
		 FROM chunks WHERE bundle_id = ? ORDER BY seq`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("evidence: chunks query: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var tags, tier string
		if err := rows.Scan(&c.ID, &c.BundleID, &c.Seq, &c.Start, &c.End, &c.Hash, &c.Score, &tags, &tier); err != nil {
			return nil, fmt.Errorf("evidence: chunks scan: %w", err)
		}
		if tags != "" {
			c.Tags = strings.Split(tags, ",")
		}
		c.Tier = model.Tier(tier)
		out = append(out, c)
	}
	return out, rows.Err()
}
