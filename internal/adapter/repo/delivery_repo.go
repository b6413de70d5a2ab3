package repo

import (
	"context"
	"fmt"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/sqlinline"
)

// DeliveryLedgerPG records webhook idempotency tokens in gen_webhook_deliveries.
type DeliveryLedgerPG struct {
	sql infra.SQLExecutor
}

func NewDeliveryLedger(sql infra.SQLExecutor) *DeliveryLedgerPG {
	return &DeliveryLedgerPG{sql: sql}
}

// Claim inserts the token; a conflict means it was delivered before.
func (l *DeliveryLedgerPG) Claim(ctx context.Context, provider, token string) (bool, error) {
	tag, err := l.sql.Exec(ctx, sqlinline.QClaimWebhookDelivery, provider, token)
	if err != nil {
		return false, fmt.Errorf("claim webhook delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *DeliveryLedgerPG) Release(ctx context.Context, provider, token string) error {
	if _, err := l.sql.Exec(ctx, sqlinline.QReleaseWebhookDelivery, provider, token); err != nil {
		return fmt.Errorf("release webhook delivery: %w", err)
	}
	return nil
}

var _ domain.DeliveryLedger = (*DeliveryLedgerPG)(nil)
