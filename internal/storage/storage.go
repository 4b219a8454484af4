// Package storage persists backtest output rows.
package storage

import (
	"context"
	"errors"

	"marginalsim/internal/model"
)

// Recorder receives one output row per simulated block.
type Recorder interface {
	Append(ctx context.Context, record model.Record) error
	Close() error
}

// MultiRecorder fans records out to several sinks.
type MultiRecorder struct {
	recorders []Recorder
}

func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

func (m *MultiRecorder) Append(ctx context.Context, record model.Record) error {
	for _, r := range m.recorders {
		if err := r.Append(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiRecorder) Close() error {
	var errs []error
	for _, r := range m.recorders {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
