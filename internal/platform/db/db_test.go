package db

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatNumber(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.Equal(t, "PO-202603-00042", FormatNumber("PO", 42, at))
	require.Equal(t, "DO-202603-123456", FormatNumber("DO", 123456, at))
}

func TestSchemaCoversAggregates(t *testing.T) {
	ddl := Schema()
	for _, table := range []string{
		"document_sequences", "purchase_orders", "goods_receipt_lines", "purchase_invoices",
		"payments", "supplier_ledger_entries", "inventory_balances", "sales_order_items", "delivery_order_items",
	} {
		require.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
	require.Contains(t, ddl, "purchase_invoices_po_uidx")
	require.Equal(t, strings.Count(ddl, "CREATE TABLE"), strings.Count(ddl, "CREATE TABLE IF NOT EXISTS"))
}
