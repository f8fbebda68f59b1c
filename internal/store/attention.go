package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mizutanik/flotilla/internal/model"
)

func (s *Store) UpsertThread(t *model.Thread) error {
	_, err := s.db.Exec(
		`INSERT INTO threads (id, display_name, last_ack_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		t.ID, t.DisplayName, nullTime(t.LastAckAt),
	)
	if err != nil {
		return fmt.Errorf("upsert thread %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) ListThreads() ([]model.Thread, error) {
	rows, err := s.db.Query(`SELECT id, display_name, last_ack_at FROM threads`)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var t model.Thread
		var ack sql.NullTime
		if err := rows.Scan(&t.ID, &t.DisplayName, &ack); err != nil {
			return nil, err
		}
		if ack.Valid {
			t.LastAckAt = &ack.Time
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *Store) GetThread(id string) (*model.Thread, error) {
	row := s.db.QueryRow(`SELECT id, display_name, last_ack_at FROM threads WHERE id = ?`, id)
	var t model.Thread
	var ack sql.NullTime
	err := row.Scan(&t.ID, &t.DisplayName, &ack)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	if ack.Valid {
		t.LastAckAt = &ack.Time
	}
	return &t, nil
}

// AckThread advances a thread's acknowledgment high-water mark. The mark is
// monotonic: a stale ack (at or before the current mark) is a no-op, never
// a rewind.
func (s *Store) AckThread(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE threads SET last_ack_at = ?
		 WHERE id = ? AND (last_ack_at IS NULL OR last_ack_at < ?)`,
		at, id, at,
	)
	if err != nil {
		return fmt.Errorf("ack thread %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown thread or stale ack; only the former is an error.
		if _, err := s.GetThread(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateMessage(m *model.Message) error {
	var actionsJSON any
	if len(m.Actions) > 0 {
		data, err := json.Marshal(m.Actions)
		if err != nil {
			return fmt.Errorf("marshal actions: %w", err)
		}
		actionsJSON = string(data)
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, thread_id, actions, requires_reply, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, actionsJSON, m.RequiresReply, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// AssistantMessages returns all assistant messages across threads. Malformed
// action payloads yield an empty action list, not an error.
func (s *Store) AssistantMessages() ([]model.Message, error) {
	rows, err := s.db.Query(`SELECT id, thread_id, actions, requires_reply, created_at FROM messages`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var actionsJSON sql.NullString
		var requiresReply int
		if err := rows.Scan(&m.ID, &m.ThreadID, &actionsJSON, &requiresReply, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.RequiresReply = requiresReply != 0
		if actionsJSON.Valid {
			// Best-effort parse; a corrupt payload means no pending actions.
			_ = json.Unmarshal([]byte(actionsJSON.String), &m.Actions)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) CreatePendingSend(p *model.PendingSend) error {
	_, err := s.db.Exec(
		`INSERT INTO pending_sends (id, thread_id, status, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.ThreadID, p.Status, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending send %s: %w", p.ID, err)
	}
	return nil
}

// OpenPendingSends returns send requests not yet resolved or canceled.
func (s *Store) OpenPendingSends() ([]model.PendingSend, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, status, created_at FROM pending_sends
		 WHERE status NOT IN ('resolved', 'canceled')`,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending sends: %w", err)
	}
	defer rows.Close()

	var sends []model.PendingSend
	for rows.Next() {
		var p model.PendingSend
		if err := rows.Scan(&p.ID, &p.ThreadID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		sends = append(sends, p)
	}
	return sends, rows.Err()
}

func (s *Store) RecordLedgerEntry(e *model.LedgerEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO action_ledger (message_id, action_index, thread_id, undo_status, undo_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id, action_index) DO UPDATE SET
		   undo_status = excluded.undo_status, undo_error = excluded.undo_error`,
		e.MessageID, e.ActionIndex, e.ThreadID, nullStr(e.UndoStatus), nullStr(e.UndoError), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record ledger entry %s/%d: %w", e.MessageID, e.ActionIndex, err)
	}
	return nil
}

func (s *Store) LedgerEntries() ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT message_id, action_index, thread_id, undo_status, undo_error, created_at FROM action_ledger`,
	)
	if err != nil {
		return nil, fmt.Errorf("query action ledger: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var undoStatus, undoError sql.NullString
		if err := rows.Scan(&e.MessageID, &e.ActionIndex, &e.ThreadID, &undoStatus, &undoError, &e.CreatedAt); err != nil {
			return nil, err
		}
		if undoStatus.Valid {
			e.UndoStatus = &undoStatus.String
		}
		if undoError.Valid {
			e.UndoError = &undoError.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastGlobalReportAt returns the timestamp of the most recent global report,
// or nil if none was ever posted.
func (s *Store) LastGlobalReportAt() (*time.Time, error) {
	row := s.db.QueryRow(`SELECT posted_at FROM global_reports ORDER BY posted_at DESC LIMIT 1`)
	var t time.Time
	err := row.Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last global report: %w", err)
	}
	return &t, nil
}

func (s *Store) RecordGlobalReport(message string, postedAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO global_reports (message, posted_at) VALUES (?, ?)`, message, postedAt)
	if err != nil {
		return fmt.Errorf("record global report: %w", err)
	}
	return nil
}
