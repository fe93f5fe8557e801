package settlement

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"commitpay/chain"
)

// ReportRow summarises the outcome for a single recipient in one run.
type ReportRow struct {
	RecipientID string
	Handle      string
	Wallet      string
	Amount      string
	BaseUnits   string
	Entries     int
	Verified    bool
	Settled     bool
	TxRef       string
	SettledAt   time.Time
}

type parquetRow struct {
	RecipientID string `parquet:"name=recipient_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Handle      string `parquet:"name=handle, type=BYTE_ARRAY, convertedtype=UTF8"`
	Wallet      string `parquet:"name=wallet, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount      string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	BaseUnits   string `parquet:"name=base_units, type=BYTE_ARRAY, convertedtype=UTF8"`
	Entries     int32  `parquet:"name=entries, type=INT32"`
	Verified    bool   `parquet:"name=verified, type=BOOLEAN"`
	Settled     bool   `parquet:"name=settled, type=BOOLEAN"`
	TxRef       string `parquet:"name=tx_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt   string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func buildReportRows(batch *chain.AllocationBatch, settled map[int]bool, settledAt time.Time) []ReportRow {
	rows := make([]ReportRow, 0, len(batch.Allocations))
	for i, alloc := range batch.Allocations {
		rows = append(rows, ReportRow{
			RecipientID: alloc.RecipientID.String(),
			Handle:      alloc.Handle,
			Wallet:      alloc.Address.Hex(),
			Amount:      alloc.Amount.String(),
			BaseUnits:   alloc.BaseUnits.String(),
			Entries:     len(alloc.EntryIDs),
			Verified:    settled[i],
			Settled:     settled[i],
			TxRef:       batch.TxRef,
			SettledAt:   settledAt,
		})
	}
	return rows
}

// writeReportFiles materialises the per-run settlement report as CSV and
// Parquet artefacts under baseDir. Returns the paths written.
func writeReportFiles(baseDir string, stamp time.Time, rows []ReportRow) (string, string, error) {
	if len(rows) == 0 {
		return "", "", nil
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", "", fmt.Errorf("settlement: create report dir: %w", err)
	}
	filename := fmt.Sprintf("settlement_%s", stamp.UTC().Format("20060102T150405Z"))
	csvPath := filepath.Join(baseDir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(baseDir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"recipient_id", "handle", "wallet", "amount", "base_units", "entries",
		"verified", "settled", "tx_ref", "settled_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("settlement: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.RecipientID,
			row.Handle,
			row.Wallet,
			row.Amount,
			row.BaseUnits,
			fmt.Sprintf("%d", row.Entries),
			boolString(row.Verified),
			boolString(row.Settled),
			row.TxRef,
			row.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("settlement: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("settlement: flush csv: %w", err)
	}
	return nil
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			RecipientID: row.RecipientID,
			Handle:      row.Handle,
			Wallet:      row.Wallet,
			Amount:      row.Amount,
			BaseUnits:   row.BaseUnits,
			Entries:     int32(row.Entries),
			Verified:    row.Verified,
			Settled:     row.Settled,
			TxRef:       row.TxRef,
			SettledAt:   row.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("settlement: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("settlement: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
