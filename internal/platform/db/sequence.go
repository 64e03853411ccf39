package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// NextNumber reserves the next document number for prefix within a tenant.
// The counter row is locked until tx ends, so numbers never repeat.
func NextNumber(ctx context.Context, tx pgx.Tx, tenantID int64, prefix string) (string, error) {
	var seq int64
	err := tx.QueryRow(ctx, `INSERT INTO document_sequences (tenant_id, prefix, last_value) VALUES ($1,$2,1)
ON CONFLICT (tenant_id, prefix) DO UPDATE SET last_value = document_sequences.last_value + 1
RETURNING last_value`, tenantID, prefix).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("platform/db: next %s number: %w", prefix, err)
	}
	return FormatNumber(prefix, seq, time.Now().UTC()), nil
}

// FormatNumber renders PREFIX-YYYYMM-00001.
func FormatNumber(prefix string, seq int64, at time.Time) string {
	return fmt.Sprintf("%s-%s-%05d", prefix, at.Format("200601"), seq)
}
