// Package sandbox provides an in-process simulation of the contract set the
// backtest runs against: the reference oracle pool, the leveraged pool, and
// the periphery (router, position manager, quoter, arbitrageur). The
// abstract execution-environment surface (deploy, call, send, advanceTime)
// is bound to typed Go values; a fresh environment is deployed per run.
package sandbox

import (
	"marginalsim/internal/model"
)

// Clock tracks simulated block number and wall-clock time. Time only moves
// forward; each advance is observed by the pools to accrue their
// time-weighted accumulators.
type Clock struct {
	blockNumber uint64
	timestamp   uint64
}

func NewClock(blockNumber, timestamp uint64) *Clock {
	return &Clock{blockNumber: blockNumber, timestamp: timestamp}
}

// BlockNumber returns the current simulated block number.
func (c *Clock) BlockNumber() uint64 { return c.blockNumber }

// Timestamp returns the current simulated timestamp.
func (c *Clock) Timestamp() uint64 { return c.timestamp }

func (c *Clock) advanceTo(blockNumber, timestamp uint64) (uint64, error) {
	if blockNumber < c.blockNumber || timestamp < c.timestamp {
		return 0, &model.EnvCallError{Contract: "clock", Method: "advanceTime", Reason: "time cannot move backwards"}
	}
	dt := timestamp - c.timestamp
	c.blockNumber = blockNumber
	c.timestamp = timestamp
	return dt, nil
}
