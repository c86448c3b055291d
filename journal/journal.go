package journal

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	_ "modernc.org/sqlite"

	"escrowd/core/events"
)

// Journal is an append-only sqlite log of coordinator events. Each entry
// carries a keccak256 hash chained over its predecessor so audit consumers
// can detect tampering or truncation.
type Journal struct {
	db *sql.DB

	mu       sync.Mutex
	lastHash []byte
}

// Entry is a single journal row.
type Entry struct {
	Seq        int64             `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
	ChainHash  string            `json:"chainHash"`
}

// Open creates or opens the journal database at the supplied path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := `CREATE TABLE IF NOT EXISTS escrow_events (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        event_type TEXT NOT NULL,
        attributes TEXT NOT NULL,
        emitted_at TIMESTAMP NOT NULL,
        chain_hash TEXT NOT NULL
    );`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("journal: create schema: %w", err)
	}
	var last string
	err := j.db.QueryRow(`SELECT chain_hash FROM escrow_events ORDER BY seq DESC LIMIT 1`).Scan(&last)
	switch {
	case err == sql.ErrNoRows:
		j.lastHash = nil
	case err != nil:
		return fmt.Errorf("journal: load chain head: %w", err)
	default:
		decoded, decErr := hex.DecodeString(last)
		if decErr != nil {
			return fmt.Errorf("journal: corrupt chain head: %w", decErr)
		}
		j.lastHash = decoded
	}
	return nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append persists an event and advances the hash chain.
func (j *Journal) Append(evt *events.Event) error {
	if evt == nil {
		return nil
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("journal: encode attributes: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	hash := ethcrypto.Keccak256(j.lastHash, []byte(evt.Type), attrs)
	_, err = j.db.Exec(
		`INSERT INTO escrow_events (event_type, attributes, emitted_at, chain_hash) VALUES (?, ?, ?, ?)`,
		evt.Type, string(attrs), time.Now().UTC(), hex.EncodeToString(hash),
	)
	if err != nil {
		return fmt.Errorf("journal: insert event: %w", err)
	}
	j.lastHash = hash
	return nil
}

// Emit implements events.Emitter. Persistence failures are logged rather
// than propagated: the journal is an observer and must never abort the
// operation that produced the event.
func (j *Journal) Emit(evt *events.Event) {
	if j == nil || evt == nil {
		return
	}
	if err := j.Append(evt); err != nil {
		slog.Error("journal append failed", "type", evt.Type, "error", err)
	}
}

// Tail returns the most recent entries, newest first, capped at limit.
func (j *Journal) Tail(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT seq, event_type, attributes, emitted_at, chain_hash FROM escrow_events ORDER BY seq DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query tail: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var attrs string
		if err := rows.Scan(&entry.Seq, &entry.Type, &attrs, &entry.EmittedAt, &entry.ChainHash); err != nil {
			return nil, fmt.Errorf("journal: scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode attributes: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Verify walks the full chain and reports the first sequence number whose
// hash does not match its recomputed value, or zero when the chain is intact.
func (j *Journal) Verify() (int64, error) {
	rows, err := j.db.Query(
		`SELECT seq, event_type, attributes, chain_hash FROM escrow_events ORDER BY seq ASC`)
	if err != nil {
		return 0, fmt.Errorf("journal: query chain: %w", err)
	}
	defer rows.Close()

	var prev []byte
	for rows.Next() {
		var seq int64
		var eventType, attrs, stored string
		if err := rows.Scan(&seq, &eventType, &attrs, &stored); err != nil {
			return 0, fmt.Errorf("journal: scan chain: %w", err)
		}
		expected := ethcrypto.Keccak256(prev, []byte(eventType), []byte(attrs))
		if hex.EncodeToString(expected) != stored {
			return seq, nil
		}
		prev = expected
	}
	return 0, rows.Err()
}
