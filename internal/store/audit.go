// ABOUTME: Audit log entity and store methods for corrective and administrative actions
// ABOUTME: Records who restarted, deleted, or scaled what, and token lifecycle events

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidAuditAction is returned when an entry names an unknown action.
var ErrInvalidAuditAction = errors.New("invalid audit action")

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditRestartPod      AuditAction = "restart_pod"
	AuditDeletePod       AuditAction = "delete_pod"
	AuditScaleDeployment AuditAction = "scale_deployment"
	AuditCreateToken     AuditAction = "create_token"
	AuditRevokeToken     AuditAction = "revoke_token"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditRestartPod,
	AuditDeletePod,
	AuditScaleDeployment,
	AuditCreateToken,
	AuditRevokeToken,
}

// IsValid reports whether a is a known action.
func (a AuditAction) IsValid() bool {
	for _, v := range ValidAuditActions {
		if a == v {
			return true
		}
	}
	return false
}

// Audit results.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"` // "fleet-controller" or the admin credential subject
	Action     AuditAction    `json:"action"`
	TargetType string         `json:"target_type"` // "pod", "deployment", "admin_token"
	TargetID   string         `json:"target_id"`
	Result     string         `json:"result"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// AuditFilter narrows ListAuditLog. Nil fields match everything.
type AuditFilter struct {
	Since      *time.Time
	Until      *time.Time
	Actor      *string
	Action     *AuditAction
	TargetType *string
	TargetID   *string
	Result     *string
	// Limit defaults to 100 and is capped at 1000.
	Limit int
}

// AppendAuditLog stores e, filling ID, Timestamp and Result when unset.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Result == "" {
		e.Result = ResultOK
	}

	detail, err := encodeDetail(e.Detail)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor, action, target_type, target_id, result, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, string(e.Action), e.TargetType, e.TargetID, e.Result,
		formatTS(e.Timestamp), detail,
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("%w: %q", ErrInvalidAuditAction, e.Action)
	}
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("audit entry recorded",
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
		"result", e.Result,
	)
	return nil
}

// ListAuditLog returns matching entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	where, args := auditWhere(f)
	query := "SELECT audit_id, actor, action, target_type, target_id, result, ts, detail_json FROM audit_log"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, clampAuditLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e      AuditEntry
			ts     string
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &e.Result, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("audit entry %s: bad timestamp %q: %w", e.ID, ts, err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("audit entry %s: decoding detail: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// auditWhere turns the set filter fields into AND-ed clauses.
func auditWhere(f AuditFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		clauses = append(clauses, clause)
		args = append(args, v)
	}

	if f.Since != nil {
		add("ts >= ?", formatTS(*f.Since))
	}
	if f.Until != nil {
		add("ts <= ?", formatTS(*f.Until))
	}
	if f.Actor != nil {
		add("actor = ?", *f.Actor)
	}
	if f.Action != nil {
		add("action = ?", string(*f.Action))
	}
	if f.TargetType != nil {
		add("target_type = ?", *f.TargetType)
	}
	if f.TargetID != nil {
		add("target_id = ?", *f.TargetID)
	}
	if f.Result != nil {
		add("result = ?", *f.Result)
	}
	return strings.Join(clauses, " AND "), args
}

func clampAuditLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return min(limit, 1000)
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func encodeDetail(detail map[string]any) (sql.NullString, error) {
	if detail == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding audit detail: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
