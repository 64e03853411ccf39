package ap

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet  = "Summary"
	invoicesSheet = "Invoices"
)

// WriteAgingWorkbook renders an aging report as an XLSX workbook.
func WriteAgingWorkbook(w io.Writer, asOf time.Time, bucket AgingBucket, lines []AgingLine) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	summary := [][]any{
		{"As of", asOf.Format("2006-01-02")},
		{"Current", bucket.Current.InexactFloat64()},
		{"1-30 days", bucket.Bucket30.InexactFloat64()},
		{"31-60 days", bucket.Bucket60.InexactFloat64()},
		{"61-90 days", bucket.Bucket90.InexactFloat64()},
		{"Over 90 days", bucket.Bucket120.InexactFloat64()},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(invoicesSheet); err != nil {
		return err
	}
	if err := setRow(f, invoicesSheet, 1, []any{"Invoice", "Supplier", "Due date", "Days overdue", "Bucket", "Balance"}); err != nil {
		return err
	}
	for i, l := range lines {
		row := []any{l.Number, l.SupplierID, l.DueDate.Format("2006-01-02"), l.DaysOverdue, l.Bucket, l.Balance.InexactFloat64()}
		if err := setRow(f, invoicesSheet, i+2, row); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("ap: write aging workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}
