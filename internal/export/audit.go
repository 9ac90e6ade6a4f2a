package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"probooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	disputesSheet = "Disputes"
	logsSheet     = "Dispute log"
	refundsSheet  = "Refunds"

	timeLayout = "2006-01-02 15:04"
)

// AuditSource is the read side the exporter needs.
type AuditSource interface {
	ListDisputesOpenedBetween(ctx context.Context, from, to time.Time) ([]*models.Dispute, error)
	ListDisputeLogs(ctx context.Context, disputeID int64) ([]models.DisputeLogEntry, error)
	ListRefundsRequestedBetween(ctx context.Context, from, to time.Time) ([]*models.Refund, error)
}

// AuditExporter renders disputes, their logs and refunds of a period into a workbook.
type AuditExporter struct {
	source AuditSource
	dir    string
	logger *zerolog.Logger
}

func NewAuditExporter(source AuditSource, dir string, logger *zerolog.Logger) *AuditExporter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "audit_export").Logger()
	return &AuditExporter{source: source, dir: dir, logger: &l}
}

// Build assembles the workbook for [from, to). The caller closes the file.
func (e *AuditExporter) Build(ctx context.Context, from, to time.Time) (*excelize.File, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("export period is empty: %s - %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	disputes, err := e.source.ListDisputesOpenedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("error getting disputes: %w", err)
	}
	refunds, err := e.source.ListRefundsRequestedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("error getting refunds: %w", err)
	}

	f := excelize.NewFile()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
		}
	}()

	for _, sheet := range []string{disputesSheet, logsSheet, refundsSheet} {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("error creating sheet: %w", err)
		}
	}
	_ = f.DeleteSheet("Sheet1")
	if index, err := f.GetSheetIndex(disputesSheet); err == nil {
		f.SetActiveSheet(index)
	}

	header, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating style: %w", err)
	}

	writeHeaders(f, disputesSheet, header, []string{
		"Dispute ID", "Booking ID", "Status", "Opened by", "Opened at", "Respond by",
		"Escalated at", "Mediate by", "Resolved at", "Resolved by", "Resolution notes",
	})
	writeHeaders(f, logsSheet, header, []string{
		"Dispute ID", "Sequence", "Actor role", "Actor ID", "Action", "Message", "Created at",
	})
	writeHeaders(f, refundsSheet, header, []string{
		"Refund ID", "Booking ID", "Requested", "Reason", "Requested at", "Requested by",
		"Processed", "Processed at", "Processed by",
	})

	logRow := 2
	for i, d := range disputes {
		writeRow(f, disputesSheet, i+2, []interface{}{
			d.ID, d.BookingID, string(d.Status), string(d.OpenedBy), formatTime(&d.OpenedAt),
			formatTime(&d.RespondBy), formatTime(d.EscalatedAt), formatTime(d.MediateBy),
			formatTime(d.ResolvedAt), string(d.ResolvedBy), d.ResolutionNotes,
		})

		entries, err := e.source.ListDisputeLogs(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("error getting logs of dispute %d: %w", d.ID, err)
		}
		for _, entry := range entries {
			writeRow(f, logsSheet, logRow, []interface{}{
				entry.DisputeID, entry.Sequence, string(entry.ActorRole), entry.ActorID,
				string(entry.Action), entry.Message, formatTime(&entry.CreatedAt),
			})
			logRow++
		}
	}

	for i, r := range refunds {
		processed := ""
		processedBy := ""
		if r.Processed() {
			processed = formatAmount(r.ProcessedAmount)
			processedBy = fmt.Sprintf("%d", r.ProcessedBy)
		}
		writeRow(f, refundsSheet, i+2, []interface{}{
			r.ID, r.BookingID, formatAmount(r.RequestedAmount), r.Reason, formatTime(&r.RequestedAt),
			string(r.RequestedBy), processed, formatTime(r.ProcessedAt), processedBy,
		})
	}

	_ = f.SetColWidth(disputesSheet, "A", "J", 18)
	_ = f.SetColWidth(disputesSheet, "K", "K", 40)
	_ = f.SetColWidth(logsSheet, "A", "E", 14)
	_ = f.SetColWidth(logsSheet, "F", "F", 60)
	_ = f.SetColWidth(logsSheet, "G", "G", 18)
	_ = f.SetColWidth(refundsSheet, "A", "I", 16)
	_ = f.SetColWidth(refundsSheet, "D", "D", 40)

	e.logger.Debug().
		Int("disputes", len(disputes)).
		Int("log_entries", logRow-2).
		Int("refunds", len(refunds)).
		Msg("Audit workbook built")

	ok = true
	return f, nil
}

// Write streams the workbook for [from, to) to w.
func (e *AuditExporter) Write(ctx context.Context, w io.Writer, from, to time.Time) error {
	f, err := e.Build(ctx, from, to)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// SaveFile stores the workbook under the export directory and returns its path.
func (e *AuditExporter) SaveFile(ctx context.Context, from, to time.Time) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := e.Build(ctx, from, to)
	if err != nil {
		return "", err
	}
	defer f.Close()

	filePath := filepath.Join(e.dir, FileName(from, to))
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Msg("Audit export created")
	return filePath, nil
}

func FileName(from, to time.Time) string {
	return fmt.Sprintf("disputes_%s_to_%s.xlsx", from.Format("2006-01-02"), to.Format("2006-01-02"))
}

func writeHeaders(f *excelize.File, sheet string, style int, headers []string) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) {
	cell, _ := excelize.CoordinatesToCellName(1, row)
	_ = f.SetSheetRow(sheet, cell, &values)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// formatAmount renders minor units as a decimal string.
func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
