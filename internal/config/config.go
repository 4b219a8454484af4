// Package config loads and validates the backtester's run configuration.
package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"marginalsim/internal/model"
	"marginalsim/internal/strategy"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL  string
	RefPool string

	StartBlock uint64
	StopBlock  uint64
	Step       uint64
	SecondsAgo uint64

	Maintenance           uint32
	Utilization           float64
	Skew                  float64
	Leverage              float64
	RelMarginAboveSafeMin float64
	BlocksHeld            uint64
	SqrtPriceTolerance    float64

	// Liquidity is the mock pool's starting liquidity as a decimal string;
	// "0" mirrors the reference pool at the start block.
	Liquidity string

	PoolFee       uint32
	FundingPeriod uint64
	TwapWindow    uint64

	Token0Symbol   string
	Token0Decimals uint8
	Token1Symbol   string
	Token1Decimals uint8

	Out      string
	PGDSN    string
	RunID    string
	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BACKTESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("step", uint64(1))
	v.SetDefault("seconds-ago", uint64(3600))
	v.SetDefault("maintenance", uint64(strategy.DefaultMaintenance))
	v.SetDefault("blocks-held", strategy.DefaultBlocksHeld)
	v.SetDefault("sqrt-price-tolerance", strategy.DefaultSqrtPriceTolerance)
	v.SetDefault("rel-margin-above-safe-min", float64(-1))
	v.SetDefault("liquidity", "0")
	v.SetDefault("pool-fee", uint64(1000))
	v.SetDefault("funding-period", uint64(604800))
	v.SetDefault("twap-window", uint64(3600))
	v.SetDefault("token0", "WETH")
	v.SetDefault("token0-decimals", 18)
	v.SetDefault("token1", "USDC")
	v.SetDefault("token1-decimals", 6)
	v.SetDefault("out", "./data/records.csv")
	v.SetDefault("run-id", "default")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:                v.GetString("rpc"),
		RefPool:               v.GetString("ref-pool"),
		StartBlock:            v.GetUint64("start-block"),
		StopBlock:             v.GetUint64("stop-block"),
		Step:                  v.GetUint64("step"),
		SecondsAgo:            v.GetUint64("seconds-ago"),
		Maintenance:           v.GetUint32("maintenance"),
		Utilization:           v.GetFloat64("utilization"),
		Skew:                  v.GetFloat64("skew"),
		Leverage:              v.GetFloat64("leverage"),
		RelMarginAboveSafeMin: v.GetFloat64("rel-margin-above-safe-min"),
		BlocksHeld:            v.GetUint64("blocks-held"),
		SqrtPriceTolerance:    v.GetFloat64("sqrt-price-tolerance"),
		Liquidity:             v.GetString("liquidity"),
		PoolFee:               v.GetUint32("pool-fee"),
		FundingPeriod:         v.GetUint64("funding-period"),
		TwapWindow:            v.GetUint64("twap-window"),
		Token0Symbol:          v.GetString("token0"),
		Token0Decimals:        uint8(v.GetUint("token0-decimals")),
		Token1Symbol:          v.GetString("token1"),
		Token1Decimals:        uint8(v.GetUint("token1-decimals")),
		Out:                   v.GetString("out"),
		PGDSN:                 v.GetString("pg-dsn"),
		RunID:                 v.GetString("run-id"),
		LogLevel:              v.GetString("log-level"),
	}
	return cfg, nil
}

// Validate checks the full configuration eagerly, before any chain traffic.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return &model.ValidationError{Field: "rpc", Reason: "is required"}
	}
	if !common.IsHexAddress(c.RefPool) {
		return &model.ValidationError{Field: "ref-pool", Reason: "must be a hex address"}
	}
	if err := c.StrategyParams().Validate(); err != nil {
		return err
	}
	if c.StartBlock == 0 {
		return &model.ValidationError{Field: "start-block", Reason: "must be positive"}
	}
	if c.StopBlock != 0 && c.StopBlock < c.StartBlock {
		return &model.ValidationError{Field: "stop-block", Reason: "must not precede start-block"}
	}
	if c.Step == 0 {
		return &model.ValidationError{Field: "step", Reason: "must be positive"}
	}
	if c.SecondsAgo == 0 {
		return &model.ValidationError{Field: "seconds-ago", Reason: "must be positive"}
	}
	if _, err := c.ParseLiquidity(); err != nil {
		return err
	}
	if c.PoolFee >= 1_000_000 {
		return &model.ValidationError{Field: "pool-fee", Reason: "must be below 1000000 ppm"}
	}
	if c.FundingPeriod == 0 {
		return &model.ValidationError{Field: "funding-period", Reason: "must be positive"}
	}
	if c.TwapWindow == 0 {
		return &model.ValidationError{Field: "twap-window", Reason: "must be positive"}
	}
	if c.Out == "" {
		return &model.ValidationError{Field: "out", Reason: "is required"}
	}
	if c.PGDSN != "" && c.RunID == "" {
		return &model.ValidationError{Field: "run-id", Reason: "is required when pg-dsn is set"}
	}
	return nil
}

// StrategyParams maps the configuration onto engine parameters.
func (c Config) StrategyParams() strategy.Parameters {
	return strategy.Parameters{
		Maintenance:           c.Maintenance,
		Utilization:           c.Utilization,
		Skew:                  c.Skew,
		Leverage:              c.Leverage,
		RelMarginAboveSafeMin: c.RelMarginAboveSafeMin,
		BlocksHeld:            c.BlocksHeld,
		SqrtPriceTolerance:    c.SqrtPriceTolerance,
	}
}

// ParseLiquidity parses the starting liquidity string.
func (c Config) ParseLiquidity() (*big.Int, error) {
	liquidity, ok := new(big.Int).SetString(c.Liquidity, 10)
	if !ok || liquidity.Sign() < 0 {
		return nil, &model.ValidationError{Field: "liquidity", Reason: "must be a non-negative decimal integer"}
	}
	return liquidity, nil
}
