package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const recordDeliverySQL = `INSERT INTO webhook_events (provider, provider_event_id, event_type, order_id)
	VALUES ($1, $2, $3, NULLIF($4, ''))
	ON CONFLICT (provider, provider_event_id) DO NOTHING`

// WebhookEventRepository keeps an audit trail of inbound webhook deliveries.
// It is best-effort forensics for operators, not a correctness mechanism.
type WebhookEventRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookEventRepository returns a WebhookEventRepository using the pool.
func NewWebhookEventRepository(pool *pgxpool.Pool) *WebhookEventRepository {
	return &WebhookEventRepository{pool: pool}
}

// RecordDelivery inserts one delivery record. Redeliveries of the same event
// id are collapsed by the unique constraint. Returns false for duplicates.
func (r *WebhookEventRepository) RecordDelivery(ctx context.Context, provider, eventID, eventType, orderID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, recordDeliverySQL, provider, eventID, eventType, orderID)
	if err != nil {
		return false, fmt.Errorf("recording webhook delivery %q: %w", eventID, err)
	}
	return tag.RowsAffected() > 0, nil
}
