package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Command outcomes.
const (
	OutcomeSent     = "sent"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// CommandRecord is one outbound gateway command.
type CommandRecord struct {
	ID        string          `json:"id"`
	Path      string          `json:"path"`
	LoadID    int             `json:"load_id"`
	Payload   json.RawMessage `json:"payload"`
	Outcome   string          `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogCommand appends rec to the command log. A zero CreatedAt is set to now.
func (s *Store) LogCommand(ctx context.Context, rec CommandRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log (id, path, load_id, payload, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, rec.LoadID, string(rec.Payload), rec.Outcome, rec.Error,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("logging command %s: %w", rec.ID, err)
	}
	return nil
}

// RecentCommands returns up to limit records, newest first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, load_id, payload, outcome, error, created_at
		FROM command_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			rec              CommandRecord
			payload, created string
		)
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.LoadID, &payload, &rec.Outcome, &rec.Error, &created); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parsing command time: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
