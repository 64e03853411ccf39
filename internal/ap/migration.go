package ap

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// MigrateToAccounting posts a POSTED invoice to the external ledger and marks
// it migrated. Re-running it on a migrated invoice is a no-op.
func (s *Service) MigrateToAccounting(ctx context.Context, actor shared.Actor, invoiceID int64) (Invoice, error) {
	if err := rbac.Require(actor, rbac.CapInvoiceMigrate); err != nil {
		return Invoice{}, err
	}
	inv, err := s.migrate(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	s.recordAudit(ctx, actor, "INVOICE_MIGRATE", invoiceID, map[string]any{"number": inv.Number})
	return inv, nil
}

// RetryFailedMigrations migrates every POSTED invoice not yet migrated. A
// single failure never aborts the batch.
func (s *Service) RetryFailedMigrations(ctx context.Context, actor shared.Actor) (MigrationSummary, error) {
	if err := rbac.Require(actor, rbac.CapInvoiceMigrate); err != nil {
		return MigrationSummary{}, err
	}
	pending, err := s.repo.ListUnmigratedInvoices(ctx)
	if err != nil {
		return MigrationSummary{}, err
	}
	summary := MigrationSummary{Total: len(pending), Failures: []MigrationFailure{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, inv := range pending {
		g.Go(func() error {
			_, err := s.migrate(gctx, inv.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Failures = append(summary.Failures, MigrationFailure{InvoiceID: inv.ID, Number: inv.Number, Error: err.Error()})
				return nil
			}
			summary.Success++
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(summary.Failures, func(i, j int) bool { return summary.Failures[i].InvoiceID < summary.Failures[j].InvoiceID })
	s.logger.Info("accounting migration retry",
		slog.Int("total", summary.Total),
		slog.Int("success", summary.Success),
		slog.Int("failed", summary.Failed))
	return summary, nil
}

// migrate collapses concurrent calls for the same invoice into one.
func (s *Service) migrate(ctx context.Context, invoiceID int64) (Invoice, error) {
	v, err, _ := s.migrations.Do(strconv.FormatInt(invoiceID, 10), func() (any, error) {
		return s.migrateOnce(ctx, invoiceID)
	})
	if err != nil {
		return Invoice{}, err
	}
	return v.(Invoice), nil
}

func (s *Service) migrateOnce(ctx context.Context, invoiceID int64) (Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != InvoiceStatusPosted {
		return Invoice{}, shared.InvalidState(invoiceEntity, invoiceID, "only POSTED invoices can be migrated, got %s", inv.Status)
	}
	if inv.AccountMigration {
		return inv, nil
	}
	if s.accounting == nil {
		s.metrics.Migration("failure")
		return Invoice{}, shared.External(invoiceEntity, invoiceID, "post journal", errAccountingNotConfigured)
	}
	if err := s.accounting.PostInvoiceJournal(ctx, inv); err != nil {
		s.metrics.Migration("failure")
		s.logger.Warn("accounting migration failed", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
		return Invoice{}, shared.External(invoiceEntity, invoiceID, "post journal", err)
	}
	var migrated Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !current.AccountMigration {
			now := s.now()
			if err := tx.MarkMigrated(ctx, invoiceID, now); err != nil {
				return err
			}
			current.AccountMigration = true
			current.MigratedAt = &now
		}
		migrated = current
		return nil
	})
	if err != nil {
		s.metrics.Migration("failure")
		return Invoice{}, err
	}
	s.metrics.Migration("success")
	s.metrics.Transition(invoiceEntity, "migrate")
	return migrated, nil
}
