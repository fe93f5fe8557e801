package settlement

import (
	"encoding/csv"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"commitpay/chain"
)

func TestWriteReportFiles(t *testing.T) {
	batch := &chain.AllocationBatch{
		Allocations: []chain.Allocation{
			{
				RecipientID: uuid.New(),
				Handle:      "alice",
				Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
				Amount:      decimal.RequireFromString("150000"),
				BaseUnits:   big.NewInt(150_000_000_000),
				EntryIDs:    []uuid.UUID{uuid.New(), uuid.New()},
			},
			{
				RecipientID: uuid.New(),
				Handle:      "bob",
				Address:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
				Amount:      decimal.RequireFromString("90000"),
				BaseUnits:   big.NewInt(90_000_000_000),
				EntryIDs:    []uuid.UUID{uuid.New()},
			},
		},
		TxRef:    "0xbatch0001",
		GasLimit: 110_000,
	}
	settledAt := time.Unix(1700000000, 0).UTC()
	rows := buildReportRows(batch, map[int]bool{0: true}, settledAt)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[0].Settled || rows[1].Settled {
		t.Fatalf("settled flags wrong: %+v", rows)
	}

	dir := t.TempDir()
	csvPath, parquetPath, err := writeReportFiles(dir, settledAt, rows)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if csvPath == "" || parquetPath == "" {
		t.Fatal("expected both artefact paths")
	}
	if _, err := os.Stat(parquetPath); err != nil {
		t.Fatalf("parquet artefact missing: %v", err)
	}

	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	if records[1][1] != "alice" || records[1][6] != "true" {
		t.Fatalf("unexpected first row %v", records[1])
	}
	if records[2][1] != "bob" || records[2][6] != "false" {
		t.Fatalf("unexpected second row %v", records[2])
	}
}

func TestWriteReportFilesEmptyRows(t *testing.T) {
	csvPath, parquetPath, err := writeReportFiles(t.TempDir(), time.Now(), nil)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if csvPath != "" || parquetPath != "" {
		t.Fatalf("expected no artefacts for empty report, got %q %q", csvPath, parquetPath)
	}
}
