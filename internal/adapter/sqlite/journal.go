package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
)

var _ eventstore.Journal = (*Journal)(nil)

// Journal implements eventstore.Journal on the messages table.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Write inserts msg unless its id is already journaled. The payload is
// also kept as written, since encoding the envelope compacts it.
func (j *Journal) Write(ctx context.Context, msg *message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, run_id, task_id, type, created_at, body, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RunID, msg.TaskID, string(msg.Type), msg.CreatedAt.UTC().Format(time.RFC3339Nano), string(body), []byte(msg.Payload))
	if err != nil {
		return fmt.Errorf("journal message %s: %w", msg.ID, err)
	}
	return nil
}

// Load streams every journaled message in write order.
func (j *Journal) Load(ctx context.Context, fn func(message.Message) error) error {
	rows, err := j.db.QueryContext(ctx, `SELECT body, payload FROM messages ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			body    string
			payload []byte
		)
		if err := rows.Scan(&body, &payload); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		var m message.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		if len(payload) > 0 {
			m.Payload = payload
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}
