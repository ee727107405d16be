package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/VOTGroup/lotus-mpool-replace/internal/events"
)

// HistoryRepo persists lifecycle events to message_events. It implements
// events.Sink and backs the admin event history endpoint.
type HistoryRepo struct {
	db *DB
}

func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

var _ events.Sink = (*HistoryRepo)(nil)

func (r *HistoryRepo) Name() string { return "postgres" }

// Publish inserts the batch in one transaction. Re-publishing an event with
// the same id is a no-op.
func (r *HistoryRepo) Publish(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_events (
			id, kind, message_id, new_message_id, epoch,
			fee, round_fee, age_epochs, detail, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.ExecContext(ctx,
			ev.ID, string(ev.Kind), ev.MessageID, nullString(ev.NewMessageID), ev.Epoch,
			ev.Fee, ev.RoundFee, ev.AgeEpochs, nullString(ev.Detail), ev.At,
		); err != nil {
			return fmt.Errorf("insert event %s (%s): %w", ev.ID, ev.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events that mention messageID, either as
// the tracked message or as the replacement it became, newest first.
func (r *HistoryRepo) RecentEvents(ctx context.Context, messageID string, limit int) ([]events.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, message_id, new_message_id, epoch,
		       fee, round_fee, age_epochs, detail, occurred_at
		FROM message_events
		WHERE message_id = $1 OR new_message_id = $1
		ORDER BY occurred_at DESC, epoch DESC
		LIMIT $2
	`, messageID, limit)
	if err != nil {
		return nil, fmt.Errorf("query message events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev     events.Event
			kind   string
			newID  sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(
			&ev.ID, &kind, &ev.MessageID, &newID, &ev.Epoch,
			&ev.Fee, &ev.RoundFee, &ev.AgeEpochs, &detail, &ev.At,
		); err != nil {
			return nil, fmt.Errorf("scan message event: %w", err)
		}
		ev.Kind = events.Kind(kind)
		ev.NewMessageID = newID.String
		ev.Detail = detail.String
		ev.At = ev.At.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message events: %w", err)
	}
	return out, nil
}

// Close releases the underlying pool.
func (r *HistoryRepo) Close() error {
	return r.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
