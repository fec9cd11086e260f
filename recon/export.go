package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ReportFile references the CSV and Parquet artefacts generated for a scan.
type ReportFile struct {
	ChainID     uint64 `json:"chainId"`
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
	Count       int    `json:"count"`
}

func writeReportFiles(baseDir string, chainID uint64, orphans []OrphanRecord) (ReportFile, error) {
	filename := fmt.Sprintf("orphans_chain_%d", chainID)
	csvPath := filepath.Join(baseDir, filename+".csv")
	if err := writeCSV(csvPath, chainID, orphans); err != nil {
		return ReportFile{}, err
	}
	parquetPath := filepath.Join(baseDir, filename+".parquet")
	if err := writeParquet(parquetPath, chainID, orphans); err != nil {
		return ReportFile{}, err
	}
	return ReportFile{ChainID: chainID, CSVPath: csvPath, ParquetPath: parquetPath, Count: len(orphans)}, nil
}

var reportHeader = []string{"chain_id", "task_id", "title", "creator", "created_at", "reason"}

func writeCSV(path string, chainID uint64, orphans []OrphanRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	chain := strconv.FormatUint(chainID, 10)
	for _, orphan := range orphans {
		record := []string{
			chain,
			orphan.TaskID,
			orphan.Title,
			orphan.Creator,
			orphan.CreatedAt.UTC().Format(time.RFC3339),
			orphan.Reason,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	ChainID   int64  `parquet:"name=chain_id, type=INT64"`
	TaskID    string `parquet:"name=task_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Title     string `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8"`
	Creator   string `parquet:"name=creator, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason    string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, chainID uint64, orphans []OrphanRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, orphan := range orphans {
		row := &parquetRow{
			ChainID:   int64(chainID),
			TaskID:    orphan.TaskID,
			Title:     orphan.Title,
			Creator:   orphan.Creator,
			CreatedAt: orphan.CreatedAt.UTC().Format(time.RFC3339),
			Reason:    orphan.Reason,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
