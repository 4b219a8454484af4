package backtest

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"marginalsim/internal/model"
	"marginalsim/internal/strategy"
)

type fakeSource struct {
	head   uint64
	errAt  uint64
	states map[uint64]model.ReferenceState
}

func (f *fakeSource) LatestBlock(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSource) FetchAt(ctx context.Context, blockNumber uint64, secondsAgo uint32) (model.ReferenceState, error) {
	if f.errAt != 0 && blockNumber >= f.errAt {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: blockNumber, Err: context.DeadlineExceeded}
	}
	state, ok := f.states[blockNumber]
	if !ok {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: blockNumber, Err: context.DeadlineExceeded}
	}
	return state, nil
}

type memoryRecorder struct {
	records []model.Record
}

func (m *memoryRecorder) Append(ctx context.Context, record model.Record) error {
	m.records = append(m.records, record)
	return nil
}

func (m *memoryRecorder) Close() error { return nil }

func newFakeSource(start, count uint64) *fakeSource {
	states := make(map[uint64]model.ReferenceState)
	for block := start; block < start+count; block++ {
		states[block] = model.ReferenceState{
			BlockNumber:          block,
			Timestamp:            1_700_000_000 + (block-start)*12,
			SqrtPriceX96:         new(big.Int).Lsh(big.NewInt(1), 96),
			Tick:                 0,
			Liquidity:            new(big.Int).Lsh(big.NewInt(1), 70),
			FeeGrowthGlobal0X128: big.NewInt(0),
			FeeGrowthGlobal1X128: big.NewInt(0),
			Fee:                  3_000,
		}
	}
	return &fakeSource{head: start + count - 1, states: states}
}

func testConfig(start, stop uint64) Config {
	params := strategy.DefaultParameters()
	params.Utilization = 0.5
	params.Leverage = 2

	cfg := Config{
		StartBlock: start,
		StopBlock:  stop,
		Step:       1,
		SecondsAgo: 3_600,
		Params:     params,
	}
	cfg.Sandbox.Token0Symbol = "WETH"
	cfg.Sandbox.Token0Decimals = 18
	cfg.Sandbox.Token1Symbol = "USDC"
	cfg.Sandbox.Token1Decimals = 6
	cfg.Sandbox.Maintenance = params.Maintenance
	cfg.Sandbox.Fee = 1_000
	cfg.Sandbox.FundingPeriod = 604_800
	cfg.Sandbox.TwapWindow = 3_600
	return cfg
}

func TestRunRecordsEveryBlock(t *testing.T) {
	source := newFakeSource(100, 5)
	recorder := &memoryRecorder{}

	driver, err := NewDriver(testConfig(100, 104), source, recorder, nil)
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background()))

	require.Len(t, recorder.records, 5)
	for i, record := range recorder.records {
		require.Equal(t, uint64(100+i), record.BlockNumber)
	}

	// Both slots opened on the first block and stay reported.
	first := recorder.records[0]
	require.NotEqual(t, int64(-1), first.Slots[0].TokenID)
	require.NotEqual(t, int64(-1), first.Slots[1].TokenID)
	require.NotNil(t, first.Value0)
	require.NotNil(t, first.Value1)
}

func TestRunResolvesHeadWhenStopZero(t *testing.T) {
	source := newFakeSource(100, 3)
	recorder := &memoryRecorder{}

	driver, err := NewDriver(testConfig(100, 0), source, recorder, nil)
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background()))
	require.Len(t, recorder.records, 3)
}

func TestRunAbortsOnFirstError(t *testing.T) {
	source := newFakeSource(100, 5)
	source.errAt = 102
	recorder := &memoryRecorder{}

	driver, err := NewDriver(testConfig(100, 104), source, recorder, nil)
	require.NoError(t, err)

	err = driver.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrDataUnavailable)
	require.Contains(t, err.Error(), "block 102")
	require.Len(t, recorder.records, 2, "rows before the failure stay written")
}

func TestRunRespectsStep(t *testing.T) {
	source := newFakeSource(100, 9)
	recorder := &memoryRecorder{}

	cfg := testConfig(100, 108)
	cfg.Step = 4
	driver, err := NewDriver(cfg, source, recorder, nil)
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background()))

	require.Len(t, recorder.records, 3)
	require.Equal(t, uint64(104), recorder.records[1].BlockNumber)
}

func TestNewDriverValidatesConfig(t *testing.T) {
	source := newFakeSource(100, 1)
	recorder := &memoryRecorder{}

	cfg := testConfig(100, 104)
	cfg.Step = 0
	_, err := NewDriver(cfg, source, recorder, nil)
	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "step", validationErr.Field)

	cfg = testConfig(100, 99)
	_, err = NewDriver(cfg, source, recorder, nil)
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "stop_block", validationErr.Field)
}
