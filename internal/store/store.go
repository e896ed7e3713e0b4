// Package store persists executions and approvals in SQLite. The full
// aggregate travels as a JSON document; scalar columns mirror the fields
// queries filter on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
)

// Store is the relational persistence layer.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(logger *zap.Logger, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent executions.
	db.SetMaxOpenConns(1)

	s := &Store{logger: logger, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, common.Classify(err, common.CategoryPersistence, common.SeverityCritical)
	}
	return s, nil
}

// DB exposes the underlying handle for components that share the database
// file, such as the audit log.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id                TEXT PRIMARY KEY,
	vulnerability_id  TEXT NOT NULL,
	asset_id          TEXT NOT NULL,
	state             TEXT NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 0,
	succeeded         INTEGER NOT NULL DEFAULT 0,
	rolled_back       INTEGER NOT NULL DEFAULT 0,
	rollback_failed   INTEGER NOT NULL DEFAULT 0,
	requires_approval INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT,
	document          TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
CREATE INDEX IF NOT EXISTS idx_executions_asset ON executions(asset_id);

CREATE TABLE IF NOT EXISTS approvals (
	request_id   TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	risk_score   REAL NOT NULL,
	expires_at   TEXT NOT NULL,
	approved     INTEGER,
	approved_by  TEXT,
	comments     TEXT,
	created_at   TEXT NOT NULL,
	decided_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_execution ON approvals(execution_id);`
	_, err := s.db.Exec(schema)
	return err
}

// SaveExecution upserts the aggregate.
func (s *Store) SaveExecution(ctx context.Context, exec *model.RemediationExecution) error {
	if exec == nil {
		return common.ErrNilInput
	}
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO executions (id, vulnerability_id, asset_id, state, priority,
	succeeded, rolled_back, rollback_failed, requires_approval,
	error_message, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state             = excluded.state,
	succeeded         = excluded.succeeded,
	rolled_back       = excluded.rolled_back,
	rollback_failed   = excluded.rollback_failed,
	requires_approval = excluded.requires_approval,
	error_message     = excluded.error_message,
	document          = excluded.document,
	updated_at        = excluded.updated_at`,
		exec.ID, exec.VulnerabilityID, exec.Asset.ID, string(exec.State), int(exec.Priority),
		boolInt(exec.Succeeded), boolInt(exec.RolledBack), boolInt(exec.RollbackFailed),
		boolInt(exec.RequiresApproval), exec.ErrorMessage, string(doc),
		exec.CreatedAt.Format(time.RFC3339Nano), exec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return common.Classify(
			fmt.Errorf("save execution %s: %w", exec.ID, err),
			common.CategoryPersistence, common.SeverityCritical,
		)
	}
	return nil
}

// GetExecution loads one aggregate by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*model.RemediationExecution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM executions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, common.Classify(err, common.CategoryPersistence, common.SeverityHigh)
	}

	var exec model.RemediationExecution
	if err := json.Unmarshal([]byte(doc), &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns aggregates in the given state, newest first. An
// empty state lists everything.
func (s *Store) ListExecutions(ctx context.Context, state model.ExecutionState, limit int) ([]*model.RemediationExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT document FROM executions`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.Classify(err, common.CategoryPersistence, common.SeverityHigh)
	}
	defer rows.Close()

	var out []*model.RemediationExecution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var exec model.RemediationExecution
		if err := json.Unmarshal([]byte(doc), &exec); err != nil {
			s.logger.Warn("Skipping undecodable execution row", zap.Error(err))
			continue
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

// SaveApprovalRequest records a pending approval.
func (s *Store) SaveApprovalRequest(ctx context.Context, req *model.ApprovalRequest, now time.Time) error {
	if req == nil {
		return common.ErrNilInput
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO approvals (request_id, execution_id, risk_score, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)`,
		req.RequestID, req.ExecutionID, req.RiskScore,
		req.ExpiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return common.Classify(
			fmt.Errorf("save approval request %s: %w", req.RequestID, err),
			common.CategoryPersistence, common.SeverityHigh,
		)
	}
	return nil
}

// SaveApprovalDecision records the workflow's answer.
func (s *Store) SaveApprovalDecision(ctx context.Context, resp *model.ApprovalResponse, now time.Time) error {
	if resp == nil {
		return common.ErrNilInput
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE approvals SET approved = ?, approved_by = ?, comments = ?, decided_at = ?
WHERE request_id = ?`,
		boolInt(resp.Approved), resp.ApprovedBy, resp.Comments,
		now.Format(time.RFC3339Nano), resp.RequestID,
	)
	if err != nil {
		return common.Classify(err, common.CategoryPersistence, common.SeverityHigh)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approval request %s: %w", resp.RequestID, common.ErrNotFound)
	}
	return nil
}

// OutcomeSummary is one terminal execution reduced to the signals the
// calibration job aggregates.
type OutcomeSummary struct {
	ExecutionID   string
	Platform      model.PlatformKind
	State         model.ExecutionState
	SandboxRan    bool
	SandboxPassed bool
	Succeeded     bool
	RolledBack    bool
}

// RecentOutcomes returns summaries of the most recent terminal executions.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeSummary, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT document FROM executions
WHERE state IN (?, ?, ?)
ORDER BY updated_at DESC LIMIT ?`,
		string(model.StateCompleted), string(model.StateFailed), string(model.StateRolledBack), limit)
	if err != nil {
		return nil, common.Classify(err, common.CategoryPersistence, common.SeverityHigh)
	}
	defer rows.Close()

	var out []OutcomeSummary
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var exec model.RemediationExecution
		if err := json.Unmarshal([]byte(doc), &exec); err != nil {
			continue
		}
		out = append(out, OutcomeSummary{
			ExecutionID:   exec.ID,
			Platform:      exec.Asset.Platform,
			State:         exec.State,
			SandboxRan:    len(exec.Results) > 0,
			SandboxPassed: len(exec.Results) > 0 && model.SuitesPassed(exec.Results),
			Succeeded:     exec.Succeeded,
			RolledBack:    exec.RolledBack,
		})
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
