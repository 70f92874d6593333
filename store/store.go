// Package store is the exclusive owner of persistence: messages, events,
// clusters, authority, and the budget ledger's call log all live in one
// embedded relational database. Pipeline and Correlation hold only
// in-memory caches reconstructible from here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"

	"github.com/sourcewatch/sourcewatch/domain"
)

// ErrCorruption is returned when the store detects a state it cannot
// reconcile (a write that partially applied, a row that fails to decode).
// Per the error design it is fatal after a log flush.
var ErrCorruption = errors.New("store: corruption detected")

// PutResult is the outcome of PutMessage.
type PutResult string

const (
	PutNew PutResult = "new"
	PutDup PutResult = "dup"
)

// Store wraps the embedded database and exposes the operations §4.B
// enumerates. Every multi-statement write runs in a single transaction so
// a partially applied batch never becomes visible.
type Store struct {
	db          *sql.DB
	logger      zerolog.Logger
	dedupWindow time.Duration
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the schema in §6 exists.
func Open(ctx context.Context, path string, dedupWindow time.Duration, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoid SQLITE_BUSY under concurrent goroutines

	s := &Store{db: db, logger: logger.With().Str("component", "store").Logger(), dedupWindow: dedupWindow}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			source_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			arrived_at INTEGER NOT NULL,
			hash TEXT NOT NULL,
			text_norm TEXT NOT NULL,
			PRIMARY KEY (source_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_hash ON messages(hash)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			cluster_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			location TEXT NOT NULL,
			entities_json TEXT NOT NULL,
			time_hint INTEGER,
			summary TEXT NOT NULL,
			confidence_self REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			cluster_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			last_updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS authority (
			source_id TEXT PRIMARY KEY,
			source_class TEXT NOT NULL,
			score REAL NOT NULL,
			corroborations INTEGER NOT NULL,
			contradictions INTEGER NOT NULL,
			last_update INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			called_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_called_at ON ledger(called_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// PutMessage inserts a normalized message, idempotent on (source_id,
// message_id), and rejects as dup if its hash was seen within the dedup
// window.
func (s *Store) PutMessage(ctx context.Context, n domain.NormalizedMessage) (PutResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: put_message begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE source_id = ? AND message_id = ?`,
		n.SourceID, n.MessageID,
	).Scan(&exists)
	if err == nil {
		return PutDup, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: put_message lookup: %w", err)
	}

	cutoff := n.ArrivedAt.Add(-s.dedupWindow).Unix()
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE hash = ? AND arrived_at >= ? LIMIT 1`,
		n.Hash, cutoff,
	).Scan(&exists)
	if err == nil {
		return PutDup, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: put_message dedup lookup: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (source_id, message_id, arrived_at, hash, text_norm) VALUES (?, ?, ?, ?, ?)`,
		n.SourceID, n.MessageID, n.ArrivedAt.Unix(), n.Hash, n.TextNorm,
	)
	if err != nil {
		return "", fmt.Errorf("store: put_message insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: put_message commit: %w", err)
	}
	return PutNew, nil
}

// PutEvent persists an extracted event.
func (s *Store) PutEvent(ctx context.Context, ev domain.Event) error {
	entities, err := json.Marshal(ev.Entities)
	if err != nil {
		return fmt.Errorf("store: put_event marshal entities: %w", err)
	}
	var timeHint sql.NullInt64
	if ev.TimeHint != nil {
		timeHint = sql.NullInt64{Int64: ev.TimeHint.Unix(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, cluster_id, kind, location, entities_json, time_hint, summary, confidence_self, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET cluster_id = excluded.cluster_id`,
		ev.EventID, ev.ClusterID, string(ev.Kind), ev.Location, string(entities), timeHint, ev.Summary, ev.ConfidenceSelf, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put_event: %w", err)
	}
	return nil
}

// GetEventsSince returns every event created at or after t.
func (s *Store) GetEventsSince(ctx context.Context, t time.Time) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, cluster_id, kind, location, entities_json, time_hint, summary, confidence_self, created_at
		 FROM events WHERE created_at >= ? ORDER BY created_at ASC`,
		t.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: get_events_since: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var entitiesJSON string
		var timeHint sql.NullInt64
		var createdAt, kind int64
		_ = kind
		var kindStr string
		if err := rows.Scan(&ev.EventID, &ev.ClusterID, &kindStr, &ev.Location, &entitiesJSON, &timeHint, &ev.Summary, &ev.ConfidenceSelf, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", ErrCorruption, err)
		}
		ev.Kind = domain.EventKind(kindStr)
		ev.CreatedAt = time.Unix(createdAt, 0)
		if timeHint.Valid {
			t := time.Unix(timeHint.Int64, 0)
			ev.TimeHint = &t
		}
		if err := json.Unmarshal([]byte(entitiesJSON), &ev.Entities); err != nil {
			return nil, fmt.Errorf("%w: decode entities: %v", ErrCorruption, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PutCluster persists a cluster's current state.
func (s *Store) PutCluster(ctx context.Context, c domain.TrendCluster) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clusters (cluster_id, state, first_seen, last_updated) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cluster_id) DO UPDATE SET state = excluded.state, last_updated = excluded.last_updated`,
		c.ClusterID, string(c.State), c.FirstSeen.Unix(), c.LastUpdated.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put_cluster: %w", err)
	}
	return nil
}

// UpdateAuthority applies a delta to a source's score, creating the row
// with the spec's initial score of 50 if the source has no prior record.
func (s *Store) UpdateAuthority(ctx context.Context, sourceID string, class domain.SourceClass, delta float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: update_authority begin: %w", err)
	}
	defer tx.Rollback()

	var score float64
	err = tx.QueryRowContext(ctx, `SELECT score FROM authority WHERE source_id = ?`, sourceID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		score = 50
	} else if err != nil {
		return fmt.Errorf("store: update_authority lookup: %w", err)
	}

	score = domain.Clip(score + delta)
	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO authority (source_id, source_class, score, corroborations, contradictions, last_update)
		 VALUES (?, ?, ?, 0, 0, ?)
		 ON CONFLICT(source_id) DO UPDATE SET score = excluded.score, last_update = excluded.last_update`,
		sourceID, string(class), score, now,
	)
	if err != nil {
		return fmt.Errorf("store: update_authority upsert: %w", err)
	}
	return tx.Commit()
}

// ReadAuthority returns a source's current authority record.
func (s *Store) ReadAuthority(ctx context.Context, sourceID string) (domain.SourceAuthority, bool, error) {
	var a domain.SourceAuthority
	var class string
	var lastUpdate int64
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, source_class, score, corroborations, contradictions, last_update FROM authority WHERE source_id = ?`,
		sourceID,
	).Scan(&a.SourceID, &class, &a.Score, &a.Corroborations, &a.Contradictions, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SourceAuthority{}, false, nil
	}
	if err != nil {
		return domain.SourceAuthority{}, false, fmt.Errorf("store: read_authority: %w", err)
	}
	a.SourceClass = domain.SourceClass(class)
	a.LastUpdate = time.Unix(lastUpdate, 0)
	return a, true, nil
}

// AllAuthority returns every known source's authority record, used to
// rebuild the Authority Tracker's snapshot on startup.
func (s *Store) AllAuthority(ctx context.Context) ([]domain.SourceAuthority, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, source_class, score, corroborations, contradictions, last_update FROM authority`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: all_authority: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceAuthority
	for rows.Next() {
		var a domain.SourceAuthority
		var class string
		var lastUpdate int64
		if err := rows.Scan(&a.SourceID, &class, &a.Score, &a.Corroborations, &a.Contradictions, &lastUpdate); err != nil {
			return nil, fmt.Errorf("%w: scan authority row: %v", ErrCorruption, err)
		}
		a.SourceClass = domain.SourceClass(class)
		a.LastUpdate = time.Unix(lastUpdate, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordLLMCall appends a durable call timestamp to the ledger table. The
// BudgetLedger does not read this log back: after a restart its windows
// start fully open.
func (s *Store) RecordLLMCall(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ledger (called_at) VALUES (?)`, at.Unix())
	if err != nil {
		return fmt.Errorf("store: record_llm_call: %w", err)
	}
	return nil
}

// RecentLLMCalls returns call timestamps recorded since t, oldest first.
// Nothing in this repository calls it at startup.
func (s *Store) RecentLLMCalls(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT called_at FROM ledger WHERE called_at >= ? ORDER BY called_at ASC`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: recent_llm_calls: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at int64
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("%w: scan ledger row: %v", ErrCorruption, err)
		}
		out = append(out, time.Unix(at, 0))
	}
	return out, rows.Err()
}
