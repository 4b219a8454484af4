package storage

import (
	"context"
	"encoding/csv"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"marginalsim/internal/model"
)

func testRecord(block uint64) model.Record {
	r := model.Record{
		BlockNumber:             block,
		Timestamp:               1_700_000_000,
		Value0:                  big.NewInt(-5),
		Value1:                  big.NewInt(1_000),
		RefSqrtPriceX96:         new(big.Int).Lsh(big.NewInt(1), 96),
		RefLiquidity:            big.NewInt(42),
		RefFeeGrowthGlobal0X128: big.NewInt(0),
		RefFeeGrowthGlobal1X128: big.NewInt(7),
	}
	for i := range r.Slots {
		r.Slots[i] = model.SlotRecord{TokenID: -1, Size: big.NewInt(0), Margin: big.NewInt(0), Debt: big.NewInt(0)}
		r.SizesLiquidated[i] = big.NewInt(0)
		r.SizesSettled[i] = big.NewInt(0)
		r.NetLiquidityLiquidated[i] = big.NewInt(0)
		r.NetLiquiditySettled[i] = big.NewInt(0)
	}
	r.NetLiquiditySwapFees = big.NewInt(0)
	r.NetLiquidityPositionFees = big.NewInt(0)
	return r
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVRecorderWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "records.csv")

	recorder, err := NewCSVRecorder(path)
	require.NoError(t, err)
	require.NoError(t, recorder.Append(context.Background(), testRecord(100)))
	require.NoError(t, recorder.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 2)
	require.Equal(t, model.CSVHeader(), rows[0])
	require.Equal(t, "100", rows[1][0])
	require.Equal(t, "-5", rows[1][2])

	// Reopening the same path appends without a second header.
	recorder, err = NewCSVRecorder(path)
	require.NoError(t, err)
	require.NoError(t, recorder.Append(context.Background(), testRecord(101)))
	require.NoError(t, recorder.Close())

	rows = readRows(t, path)
	require.Len(t, rows, 3)
	require.Equal(t, "101", rows[2][0])
}

func TestCSVRowMatchesHeaderWidth(t *testing.T) {
	require.Len(t, testRecord(1).CSVRow(), len(model.CSVHeader()))
}

type failingRecorder struct{ err error }

func (f *failingRecorder) Append(context.Context, model.Record) error { return f.err }
func (f *failingRecorder) Close() error                               { return nil }

func TestMultiRecorderStopsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.csv")
	csvRecorder, err := NewCSVRecorder(path)
	require.NoError(t, err)

	multi := NewMultiRecorder(csvRecorder, &failingRecorder{err: os.ErrClosed})
	err = multi.Append(context.Background(), testRecord(1))
	require.ErrorIs(t, err, os.ErrClosed)
	require.NoError(t, multi.Close())
}
