package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marginalsim/internal/backtest"
	"marginalsim/internal/chain"
	"marginalsim/internal/config"
	"marginalsim/internal/refstate"
	"marginalsim/internal/storage"
	"marginalsim/internal/storage/postgres"
	"marginalsim/internal/strategy"
)

func main() {
	godotenv.Load()

	root := &cobra.Command{
		Use:          "backtester",
		Short:        "Historical LP/hedging backtester for leveraged pools",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest over a historical block range",
		RunE:  runBacktest,
	}

	runCmd.Flags().String("rpc", "", "archive RPC URL")
	runCmd.Flags().String("ref-pool", "", "reference pool address")
	runCmd.Flags().Uint64("start-block", 0, "start block (inclusive)")
	runCmd.Flags().Uint64("stop-block", 0, "stop block (inclusive), 0 means latest")
	runCmd.Flags().Uint64("step", 1, "blocks per simulation step")
	runCmd.Flags().Uint64("seconds-ago", 3600, "oracle observation lookback in seconds")
	runCmd.Flags().Uint32("maintenance", strategy.DefaultMaintenance, "maintenance requirement in ppm")
	runCmd.Flags().Float64("utilization", 0, "fraction of pool liquidity to lock, 0 to 1")
	runCmd.Flags().Float64("skew", 0, "position skew, -1 to 1")
	runCmd.Flags().Float64("leverage", 0, "target leverage (mutually exclusive with rel-margin-above-safe-min)")
	runCmd.Flags().Float64("rel-margin-above-safe-min", -1, "margin above the quoted safe minimum, as a fraction")
	runCmd.Flags().Uint64("blocks-held", strategy.DefaultBlocksHeld, "blocks to hold each position before settling")
	runCmd.Flags().Float64("sqrt-price-tolerance", strategy.DefaultSqrtPriceTolerance, "relative sqrt-price gap that triggers arbitrage")
	runCmd.Flags().String("liquidity", "0", "mock pool starting liquidity, 0 mirrors the reference pool")
	runCmd.Flags().Uint32("pool-fee", 1000, "mock pool fee in ppm")
	runCmd.Flags().Uint64("funding-period", 604800, "funding period in seconds")
	runCmd.Flags().Uint64("twap-window", 3600, "safety-check TWAP window in seconds")
	runCmd.Flags().String("token0", "WETH", "token0 symbol")
	runCmd.Flags().Uint("token0-decimals", 18, "token0 decimals")
	runCmd.Flags().String("token1", "USDC", "token1 symbol")
	runCmd.Flags().Uint("token1-decimals", 6, "token1 decimals")
	runCmd.Flags().String("out", "./data/records.csv", "output CSV path")
	runCmd.Flags().String("pg-dsn", "", "optional Postgres DSN")
	runCmd.Flags().String("run-id", "default", "run identifier for the Postgres sink")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	liquidity, err := cfg.ParseLiquidity()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	fetcher, err := refstate.NewFetcher(chainClient, common.HexToAddress(cfg.RefPool), logger)
	if err != nil {
		return err
	}

	csvRecorder, err := storage.NewCSVRecorder(cfg.Out)
	if err != nil {
		return err
	}
	var recorder storage.Recorder = csvRecorder
	if cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PGDSN, cfg.RunID)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		recorder = storage.NewMultiRecorder(csvRecorder, store)
	}
	defer recorder.Close()

	driverCfg := backtest.Config{
		StartBlock:       cfg.StartBlock,
		StopBlock:        cfg.StopBlock,
		Step:             cfg.Step,
		SecondsAgo:       uint32(cfg.SecondsAgo),
		InitialLiquidity: liquidity,
		Params:           cfg.StrategyParams(),
	}
	driverCfg.Sandbox.Token0Symbol = cfg.Token0Symbol
	driverCfg.Sandbox.Token0Decimals = cfg.Token0Decimals
	driverCfg.Sandbox.Token1Symbol = cfg.Token1Symbol
	driverCfg.Sandbox.Token1Decimals = cfg.Token1Decimals
	driverCfg.Sandbox.Maintenance = cfg.Maintenance
	driverCfg.Sandbox.Fee = cfg.PoolFee
	driverCfg.Sandbox.FundingPeriod = cfg.FundingPeriod
	driverCfg.Sandbox.TwapWindow = cfg.TwapWindow

	driver, err := backtest.NewDriver(driverCfg, fetcher, recorder, logger)
	if err != nil {
		return err
	}

	logger.Info("backtest start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("ref_pool", cfg.RefPool),
		zap.Uint64("start_block", cfg.StartBlock),
		zap.Uint64("stop_block", cfg.StopBlock),
		zap.Uint64("step", cfg.Step),
		zap.Float64("utilization", cfg.Utilization),
		zap.Float64("skew", cfg.Skew),
		zap.String("out", cfg.Out),
	)

	if err := driver.Run(ctx); err != nil {
		logger.Error("backtest aborted", zap.Error(err))
		return err
	}
	logger.Info("backtest complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
