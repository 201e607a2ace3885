package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
)

var _ eventstore.Journal = (*Journal)(nil)

// Journal implements eventstore.Journal on the messages table (append-only).
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal creates a Journal backed by the given connection pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// Write inserts msg. A message id already journaled is left untouched. The
// payload is also kept as written, since encoding the envelope compacts it.
func (j *Journal) Write(ctx context.Context, msg *message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	_, err = j.pool.Exec(ctx,
		`INSERT INTO messages (id, run_id, thread_id, task_id, type, created_at, body, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.RunID, msg.ThreadID, msg.TaskID, string(msg.Type), msg.CreatedAt, body, []byte(msg.Payload))
	if err != nil {
		return fmt.Errorf("journal message %s: %w", msg.ID, err)
	}
	return nil
}

// Load streams every journaled message in write order.
func (j *Journal) Load(ctx context.Context, fn func(message.Message) error) error {
	rows, err := j.pool.Query(ctx, `SELECT body, payload FROM messages ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body, payload []byte
		if err := rows.Scan(&body, &payload); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		var m message.Message
		if err := json.Unmarshal(body, &m); err != nil {
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
