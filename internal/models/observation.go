// Package models defines the core domain entities: observations, proposals,
// snapshots, registration parameters, and anomaly events.
package models

import (
	"errors"
	"math/big"
)

// Observation is one committed slot of the ring buffer. Cumulative is the
// running integral of the sampled share price over elapsed seconds, scaled
// by the oracle's configured decimals. It is monotonically non-decreasing
// for non-negative samples.
type Observation struct {
	Cumulative *big.Int `json:"cumulative"`
	Timestamp  int64    `json:"timestamp"`
}

// Proposal is an opaque candidate observation produced by CheckTrigger and
// submitted later through Update. Update re-validates it at commit time, so
// a proposal can be held, replayed, or raced without corrupting state.
type Proposal struct {
	Sample    *big.Int `json:"sample"`
	Timestamp int64    `json:"timestamp"`
}

// Validate checks proposal field constraints.
func (p *Proposal) Validate() error {
	if p.Sample == nil {
		return errors.New("proposal sample must not be nil")
	}
	if p.Sample.Sign() < 0 {
		return errors.New("proposal sample must not be negative")
	}
	if p.Timestamp <= 0 {
		return errors.New("proposal timestamp must be positive")
	}
	return nil
}
