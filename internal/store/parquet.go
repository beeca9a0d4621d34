package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/optionquest/trading-core/internal/model"
)

// LedgerRecord is the Parquet schema for exported ledger rows. Amounts keep
// their exact decimal text alongside a float column for analytics tools.
type LedgerRecord struct {
	ID        string  `parquet:"id"`
	AccountID int64   `parquet:"user_id"`
	Kind      string  `parquet:"kind"`
	Ticker    string  `parquet:"ticker"`
	Amount    string  `parquet:"amount"`
	AmountF   float64 `parquet:"amount_f"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// ExportLedgerParquet writes entries to a Parquet file at path, creating
// parent directories as needed.
func ExportLedgerParquet(path string, entries []model.LedgerEntry) error {
	records := make([]LedgerRecord, 0, len(entries))
	for _, e := range entries {
		f, _ := e.Amount.Float64()
		records = append(records, LedgerRecord{
			ID:        e.ID,
			AccountID: e.AccountID,
			Kind:      e.Kind,
			Ticker:    e.Ticker,
			Amount:    e.Amount.String(),
			AmountF:   f,
			Timestamp: e.CreatedAt.UnixMilli(),
		})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("write ledger parquet %s: %w", path, err)
	}
	return nil
}

// ReadLedgerParquet reads a file written by ExportLedgerParquet.
func ReadLedgerParquet(path string) ([]LedgerRecord, error) {
	return parquet.ReadFile[LedgerRecord](path)
}
