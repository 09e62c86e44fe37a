package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/pix-sales-go/pkg/logging"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// InsertTx stores an event in the caller's transaction so it commits
// together with the state change it describes. It returns the event id.
func InsertTx(ctx context.Context, tx pgx.Tx, topic, key string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	eventID := uuid.NewString()
	_, err = tx.Exec(ctx, `INSERT INTO outbox(event_id, topic, key, payload) VALUES ($1, $2, $3, $4)`, eventID, topic, key, data)
	return eventID, err
}

// Store is the relay's view of the outbox table.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
}

type PgStore struct {
	Pool *pgxpool.Pool
}

func (s PgStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1`, id)
	return err
}

func (s PgStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, event_id, topic, key, payload, created_at, sent_at FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Relay drains unsent records in id order. A record that fails to publish
// stops the batch so later events for the same key are not sent ahead of it.
type Relay struct {
	Store    Store
	Publish  func(ctx context.Context, rec Record) error
	Batch    int
	Interval time.Duration
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			logging.Err(logging.Fields{Service: "outbox", Step: "flush", Status: "error"}, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch and returns how many records were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = 100
	}
	recs, err := r.Store.FetchPending(ctx, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range recs {
		if err := r.Publish(ctx, rec); err != nil {
			return sent, err
		}
		if err := r.Store.MarkSent(ctx, rec.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
