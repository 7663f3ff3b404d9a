package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"ordergate/internal/domain"
)

// Compile-time interface check.
var _ FillStore = (*ParquetStore)(nil)

// ParquetStore implements FillStore using one Parquet file per symbol under
// <DataDir>/fills/. Appends are read-merge-rewrite; the log is an audit
// trail, not a hot path.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// fillRecord is the Parquet schema for the fill log.
type fillRecord struct {
	BrokerOrderID string  `parquet:"broker_order_id"`
	Symbol        string  `parquet:"symbol"`
	Price         float64 `parquet:"price"`
	Qty           int64   `parquet:"qty"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	FillID        string  `parquet:"fill_id"`
}

// WriteFills appends execution events for an order to the symbol's log file.
func (s *ParquetStore) WriteFills(_ context.Context, brokerOrderID, symbol string, fills []domain.OrderFill) error {
	if len(fills) == 0 {
		return nil
	}

	path := s.fillPath(symbol)
	existing, err := readParquetFile[fillRecord](path)
	if err != nil {
		return fmt.Errorf("reading fill log for %s: %w", symbol, err)
	}

	for _, f := range fills {
		existing = append(existing, fillRecord{
			BrokerOrderID: brokerOrderID,
			Symbol:        symbol,
			Price:         f.Price,
			Qty:           f.Qty,
			Timestamp:     f.Timestamp.UnixMilli(),
			FillID:        f.FillID,
		})
	}

	if err := writeParquetFile(path, existing); err != nil {
		return fmt.Errorf("writing fill log for %s: %w", symbol, err)
	}
	return nil
}

// ReadFills returns all logged fills for a symbol in append order.
func (s *ParquetStore) ReadFills(_ context.Context, symbol string) ([]FillRecord, error) {
	records, err := readParquetFile[fillRecord](s.fillPath(symbol))
	if err != nil {
		return nil, fmt.Errorf("reading fill log for %s: %w", symbol, err)
	}
	fills := make([]FillRecord, 0, len(records))
	for _, r := range records {
		fills = append(fills, FillRecord(r))
	}
	return fills, nil
}

func (s *ParquetStore) fillPath(symbol string) string {
	return filepath.Join(s.DataDir, "fills", strings.ToUpper(symbol)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// readParquetFile reads all rows from path; a missing file yields no rows.
func readParquetFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return parquet.Read[T](f, st.Size())
}

// writeParquetFile writes rows to path atomically via a temp file rename.
func writeParquetFile[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := parquet.Write(f, rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
