// Package audit keeps the append-only, tamper-evident record of every
// decision and state transition. Events form a hash chain: each stored
// event carries its own hash and the hash of the immediately preceding
// event across the whole log, so any out-of-band mutation is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
)

// Event is one immutable audit record.
type Event struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	Kind        string                 `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Hash        string                 `json:"hash"`
	PrevHash    string                 `json:"prev_hash"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Event kinds recorded by the engine.
const (
	KindStateTransition  = "state_transition"
	KindDecision         = "decision"
	KindApprovalRequest  = "approval_request"
	KindApprovalResponse = "approval_response"
	KindSnapshot         = "snapshot"
	KindDeploymentStage  = "deployment_stage"
	KindRollback         = "rollback"
	KindError            = "error"
)

// genesisHash anchors the first event of the chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

type appendRequest struct {
	event *Event
	done  chan error
}

// Logger is the audit log. Appends from concurrent executions are
// serialized through a single writer goroutine, preserving the chain's
// total order while stage execution parallelizes.
type Logger struct {
	logger *zap.Logger
	db     *sql.DB
	clock  common.Clock

	requests chan appendRequest
	closed   chan struct{}
}

// NewLogger opens the audit log over db, creating the schema and its
// immutability triggers, and starts the writer.
func NewLogger(logger *zap.Logger, db *sql.DB, clock common.Clock) (*Logger, error) {
	if clock == nil {
		clock = common.SystemClock()
	}
	l := &Logger{
		logger:   logger,
		db:       db,
		clock:    clock,
		requests: make(chan appendRequest, 64),
		closed:   make(chan struct{}),
	}
	if err := l.initSchema(); err != nil {
		return nil, common.Classify(err, common.CategoryPersistence, common.SeverityCritical)
	}
	go l.writeLoop()
	return l, nil
}

func (l *Logger) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	execution_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	payload      TEXT,
	hash         TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_execution ON audit_events(execution_id);

CREATE TRIGGER IF NOT EXISTS audit_no_update
BEFORE UPDATE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit events are immutable');
END;

CREATE TRIGGER IF NOT EXISTS audit_no_delete
BEFORE DELETE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit events are immutable');
END;`
	_, err := l.db.Exec(schema)
	return err
}

// Append records an event and blocks until it is durably chained. The
// returned event carries its computed hash.
func (l *Logger) Append(ctx context.Context, executionID, kind string, payload map[string]interface{}) (*Event, error) {
	event := &Event{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Kind:        kind,
		Payload:     payload,
		Timestamp:   l.clock.Now(),
	}
	req := appendRequest{event: event, done: make(chan error, 1)}

	select {
	case l.requests <- req:
	case <-l.closed:
		return nil, common.ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-req.done:
		if err != nil {
			return nil, common.Classify(err, common.CategoryPersistence, common.SeverityCritical)
		}
		return event, nil
	case <-ctx.Done():
		// The write may still land; the chain stays consistent either way.
		return nil, ctx.Err()
	}
}

func (l *Logger) writeLoop() {
	for req := range l.requests {
		req.done <- l.append(req.event)
	}
}

func (l *Logger) append(event *Event) error {
	prev, err := l.lastHash()
	if err != nil {
		return err
	}
	event.PrevHash = prev
	event.Hash = computeHash(event)

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT INTO audit_events (id, execution_id, kind, payload, hash, prev_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ExecutionID, event.Kind, string(payload),
		event.Hash, event.PrevHash, event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (l *Logger) lastHash() (string, error) {
	var hash string
	err := l.db.QueryRow(`SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return hash, nil
}

// VerifyChain walks the whole log in append order and recomputes every
// hash. It returns the id of the first compromised event, or an empty
// string when the chain is intact.
func (l *Logger) VerifyChain(ctx context.Context) (string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, execution_id, kind, payload, hash, prev_hash, created_at
		 FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return "", common.Classify(err, common.CategoryPersistence, common.SeverityHigh)
	}
	defer rows.Close()

	prev := genesisHash
	for rows.Next() {
		var (
			event     Event
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&event.ID, &event.ExecutionID, &event.Kind, &payload,
			&event.Hash, &event.PrevHash, &createdAt); err != nil {
			return "", err
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &event.Payload); err != nil {
				return event.ID, nil // unparseable payload breaks the chain
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return event.ID, nil
		}
		event.Timestamp = ts

		if event.PrevHash != prev {
			return event.ID, nil
		}
		if computeHash(&event) != event.Hash {
			return event.ID, nil
		}
		prev = event.Hash
	}
	return "", rows.Err()
}

// EventsForExecution returns the stored events of one execution in append
// order.
func (l *Logger) EventsForExecution(ctx context.Context, executionID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, execution_id, kind, payload, hash, prev_hash, created_at
		 FROM audit_events WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, common.Classify(err, common.CategoryPersistence, common.SeverityHigh)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&event.ID, &event.ExecutionID, &event.Kind, &payload,
			&event.Hash, &event.PrevHash, &createdAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			_ = json.Unmarshal([]byte(payload.String), &event.Payload)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			event.Timestamp = ts
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Close stops the writer after draining pending appends.
func (l *Logger) Close() {
	close(l.closed)
	close(l.requests)
}

// computeHash hashes the event's identity, payload, predecessor hash and
// timestamp. Field order is fixed; payload bytes come from canonical JSON
// marshaling of the map.
func computeHash(event *Event) string {
	payload, _ := json.Marshal(event.Payload)
	h := sha256.New()
	h.Write([]byte(event.ID))
	h.Write([]byte{0})
	h.Write([]byte(event.ExecutionID))
	h.Write([]byte{0})
	h.Write([]byte(event.Kind))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(event.PrevHash))
	h.Write([]byte{0})
	h.Write([]byte(event.Timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
