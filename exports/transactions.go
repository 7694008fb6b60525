// Package exports writes the transaction log out for offline accounting:
// one CSV and one parquet file per day, each with a SHA-256 checksum
// manifest so downstream tooling can detect truncated copies.
package exports

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"sovereignd/persist"
	"sovereignd/vault"
)

// Result names the files one export produced.
type Result struct {
	CSVPath     string `json:"csv_path"`
	ParquetPath string `json:"parquet_path"`
	Checksum    string `json:"checksum"`
	Rows        int    `json:"rows"`
}

// Transactions writes every supplied transaction under dir, named by day.
func Transactions(dir string, day time.Time, txs []vault.Transaction) (Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("exports: %w", err)
	}
	stamp := day.UTC().Format("2006-01-02")
	result := Result{
		CSVPath:     filepath.Join(dir, "transactions_"+stamp+".csv"),
		ParquetPath: filepath.Join(dir, "transactions_"+stamp+".parquet"),
		Rows:        len(txs),
	}

	checksum, err := writeCSV(result.CSVPath, txs)
	if err != nil {
		return Result{}, err
	}
	result.Checksum = checksum
	if err := writeParquet(result.ParquetPath, txs); err != nil {
		return Result{}, err
	}
	if err := persist.WriteJSON(filepath.Join(dir, "manifest_"+stamp+".json"), result); err != nil {
		return Result{}, err
	}
	return result, nil
}

func writeCSV(path string, txs []vault.Transaction) (string, error) {
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("exports: create csv: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	w := csv.NewWriter(file)
	header := []string{"seq", "timestamp", "direction", "category", "amount", "counterparty", "tx_hash", "chain", "description"}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("exports: write csv header: %w", err)
	}
	for _, tx := range txs {
		record := []string{
			strconv.FormatUint(tx.Seq, 10),
			tx.Timestamp.UTC().Format(time.RFC3339Nano),
			tx.Direction,
			tx.Category,
			amountString(tx),
			tx.Counterparty,
			tx.TxHash,
			tx.Chain,
			tx.Description,
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("exports: write csv row: %w", err)
		}
		for _, field := range record {
			hasher.Write([]byte(field))
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("exports: flush csv: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

type parquetRow struct {
	Seq          int64  `parquet:"name=seq, type=INT64"`
	Timestamp    string `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction    string `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	Category     string `parquet:"name=category, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Counterparty string `parquet:"name=counterparty, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash       string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Chain        string `parquet:"name=chain, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description  string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, txs []vault.Transaction) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 8 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, tx := range txs {
		row := &parquetRow{
			Seq:          int64(tx.Seq),
			Timestamp:    tx.Timestamp.UTC().Format(time.RFC3339Nano),
			Direction:    tx.Direction,
			Category:     tx.Category,
			Amount:       amountString(tx),
			Counterparty: tx.Counterparty,
			TxHash:       tx.TxHash,
			Chain:        tx.Chain,
			Description:  tx.Description,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet: %w", err)
	}
	return nil
}

func amountString(tx vault.Transaction) string {
	if tx.Amount == nil {
		return "0"
	}
	return tx.Amount.String()
}
