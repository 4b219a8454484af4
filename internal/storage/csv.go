package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"marginalsim/internal/model"
)

// CSVRecorder appends records to a CSV file. The header row is written only
// when the file is created; re-running against an existing path appends rows
// after the ones already there.
type CSVRecorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

func NewCSVRecorder(path string) (*CSVRecorder, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	r := &CSVRecorder{file: file, writer: csv.NewWriter(file)}
	if writeHeader {
		if err := r.writer.Write(model.CSVHeader()); err != nil {
			file.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		r.writer.Flush()
		if err := r.writer.Error(); err != nil {
			file.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}
	return r, nil
}

func (r *CSVRecorder) Append(ctx context.Context, record model.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writer.Write(record.CSVRow()); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}
	return nil
}

func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		r.file.Close()
		return fmt.Errorf("flush csv output: %w", err)
	}
	return r.file.Close()
}
