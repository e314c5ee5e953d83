package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/metrics"
)

// EnqueueOutbox inserts an event. ev.ID, ev.EventID (when empty) and
// ev.CreatedAt are filled in.
func (s *Store) EnqueueOutbox(ctx context.Context, ev *catalog.OutboxEvent) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("enqueue_outbox", time.Since(start)) }()

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.CreatedAt = s.now()

	err := s.q.QueryRowContext(ctx,
		`INSERT INTO outbox (event_id, kind, payload, created_at, attempts)
		 VALUES ($1, $2, $3, $4, 0) RETURNING id`,
		ev.EventID, ev.Kind, string(ev.Payload), s.ts(ev.CreatedAt)).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}
	return nil
}

// PendingOutbox returns up to limit undelivered, not dead-lettered events in
// insertion order.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]*catalog.OutboxEvent, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("pending_outbox", time.Since(start)) }()

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, event_id, kind, payload, created_at, attempts, last_error, delivered_at, failed_at
		 FROM outbox
		 WHERE delivered_at IS NULL AND failed_at IS NULL
		 ORDER BY id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var events []*catalog.OutboxEvent
	for rows.Next() {
		var ev catalog.OutboxEvent
		var payload string
		var lastErr sql.NullString
		var created, delivered, failed dbTime
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Kind, &payload, &created,
			&ev.Attempts, &lastErr, &delivered, &failed); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.LastError = lastErr.String
		ev.CreatedAt = created.Time
		ev.DeliveredAt = delivered.ptr()
		ev.FailedAt = failed.ptr()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkOutboxDelivered records a successful delivery.
func (s *Store) MarkOutboxDelivered(ctx context.Context, id int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mark_outbox_delivered", time.Since(start)) }()

	_, err := s.q.ExecContext(ctx,
		`UPDATE outbox SET delivered_at = $1, attempts = attempts + 1 WHERE id = $2`,
		s.ts(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark outbox event %d delivered: %w", id, err)
	}
	return nil
}

// MarkOutboxFailed records a failed attempt. A dead event is never retried.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, lastErr string, dead bool) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mark_outbox_failed", time.Since(start)) }()

	var failedAt any
	if dead {
		failedAt = s.ts(s.now())
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $1, failed_at = $2 WHERE id = $3`,
		lastErr, failedAt, id)
	if err != nil {
		return fmt.Errorf("mark outbox event %d failed: %w", id, err)
	}
	return nil
}
