package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/deskpilot/deskpilot/pkg/models"
)

// SaveSession inserts or replaces a session snapshot.
func (db *DB) SaveSession(s *models.Session) error {
	summaries, err := json.Marshal(s.AgentSummaries)
	if err != nil {
		return fmt.Errorf("marshal agent summaries: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO sessions (id, phase, user_request, text_plan, code, pending_approval, agent_summaries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			user_request = excluded.user_request,
			text_plan = excluded.text_plan,
			code = excluded.code,
			pending_approval = excluded.pending_approval,
			agent_summaries = excluded.agent_summaries,
			updated_at = excluded.updated_at
	`, s.ID, string(s.Phase), s.UserRequest, s.TextPlan, s.Code, string(s.PendingApproval),
		string(summaries), formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// LoadSession fetches a session by ID. Returns (nil, nil) when absent.
func (db *DB) LoadSession(id string) (*models.Session, error) {
	row := db.QueryRow(`
		SELECT id, phase, user_request, text_plan, code, pending_approval, agent_summaries, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}

// DeleteSession removes a session and its event log and graph snapshot.
func (db *DB) DeleteSession(id string) error {
	if _, err := db.Exec("DELETE FROM events WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete events for %s: %w", id, err)
	}
	if _, err := db.Exec("DELETE FROM graphs WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete graph for %s: %w", id, err)
	}
	if _, err := db.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns all persisted sessions ordered by most recent update.
func (db *DB) ListSessions() ([]*models.Session, error) {
	rows, err := db.Query(`
		SELECT id, phase, user_request, text_plan, code, pending_approval, agent_summaries, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		s                    models.Session
		phase                string
		pendingApproval      string
		summaries            sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&s.ID, &phase, &s.UserRequest, &s.TextPlan, &s.Code,
		&pendingApproval, &summaries, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Phase = models.Phase(phase)
	s.PendingApproval = models.ApprovalType(pendingApproval)
	s.AgentSummaries = make(map[models.AgentType]string)
	if summaries.Valid && summaries.String != "" {
		if err := json.Unmarshal([]byte(summaries.String), &s.AgentSummaries); err != nil {
			return nil, fmt.Errorf("unmarshal agent summaries: %w", err)
		}
		if s.AgentSummaries == nil {
			s.AgentSummaries = make(map[models.AgentType]string)
		}
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &s, nil
}
