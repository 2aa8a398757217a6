package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deskpilot/deskpilot/pkg/models"
)

// AppendEvent writes one event to the session's durable log. It satisfies
// the status channel's Sink interface.
func (db *DB) AppendEvent(ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO events (session_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.SessionID, ev.Seq, string(ev.Type), string(payload), formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", ev.SessionID, ev.Seq, err)
	}
	return nil
}

// LastSeq returns the highest sequence number recorded for a session, or
// zero when the session has no events. It satisfies the status channel's
// SeqSource interface, so numbering continues across restarts.
func (db *DB) LastSeq(sessionID string) (int64, error) {
	var last int64
	err := db.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?", sessionID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last seq for %s: %w", sessionID, err)
	}
	return last, nil
}

// EventsSince returns the session's persisted events with sequence numbers
// strictly greater than cursor, in order.
func (db *DB) EventsSince(sessionID string, cursor int64) ([]models.Event, error) {
	rows, err := db.Query(`
		SELECT payload FROM events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq
	`, sessionID, cursor)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveGraph persists a snapshot of the session's task graph nodes.
func (db *DB) SaveGraph(sessionID string, nodes []*models.TaskNode) error {
	payload, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO graphs (session_id, nodes, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(session_id) DO UPDATE SET
			nodes = excluded.nodes,
			updated_at = excluded.updated_at
	`, sessionID, string(payload))
	if err != nil {
		return fmt.Errorf("save graph for %s: %w", sessionID, err)
	}
	return nil
}

// LoadGraph returns the persisted task graph nodes for a session, or nil
// when none exists.
func (db *DB) LoadGraph(sessionID string) ([]*models.TaskNode, error) {
	var payload string
	err := db.QueryRow("SELECT nodes FROM graphs WHERE session_id = ?", sessionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load graph for %s: %w", sessionID, err)
	}

	var nodes []*models.TaskNode
	if err := json.Unmarshal([]byte(payload), &nodes); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return nodes, nil
}
