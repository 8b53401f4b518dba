package models

import (
	"errors"
	"fmt"
	"math/big"
)

// Registration status of the upkeep state machine. Active is terminal.
const (
	RegistrationUninitialized = iota
	RegistrationPending
	RegistrationActive
)

// Snapshot is the full persisted state layout of one oracle instance:
// everything needed to resume the same state machine after a restart,
// including the tripped kill switch.
type Snapshot struct {
	Observations        []Observation
	CurrentIndex        int
	Filled              int
	LastSavedAnswer     *big.Int
	LastUpdateTimestamp int64
	KillSwitch          bool
	SchedulerIdentity   string
	PendingCommitment   []byte
	RegistrationStatus  int
}

// Validate checks structural snapshot invariants against the configured
// buffer capacity.
func (s *Snapshot) Validate(observationsToUse int) error {
	if len(s.Observations) != observationsToUse {
		return fmt.Errorf("snapshot has %d observation slots, configured capacity is %d",
			len(s.Observations), observationsToUse)
	}
	if s.CurrentIndex < 0 || s.CurrentIndex >= observationsToUse {
		return fmt.Errorf("snapshot current index %d out of range [0, %d)", s.CurrentIndex, observationsToUse)
	}
	if s.Filled < 0 || s.Filled > observationsToUse {
		return fmt.Errorf("snapshot fullness counter %d out of range [0, %d]", s.Filled, observationsToUse)
	}
	if s.RegistrationStatus < RegistrationUninitialized || s.RegistrationStatus > RegistrationActive {
		return fmt.Errorf("unknown registration status %d", s.RegistrationStatus)
	}
	if s.RegistrationStatus == RegistrationActive && s.SchedulerIdentity == "" {
		return errors.New("active registration without a bound scheduler identity")
	}
	return nil
}

// UpkeepParams are the exact registration parameters committed to during
// Initialize. The commitment hash is computed over Encode() so a third party
// cannot complete the handshake with mismatched parameters.
type UpkeepParams struct {
	Name          string
	FundingAmount *big.Int
	AdminID       string
}

// Validate checks registration parameter constraints.
func (p *UpkeepParams) Validate() error {
	if p.Name == "" {
		return errors.New("upkeep name must not be empty")
	}
	if p.FundingAmount == nil || p.FundingAmount.Sign() <= 0 {
		return errors.New("funding amount must be positive")
	}
	if p.AdminID == "" {
		return errors.New("upkeep admin ID must not be empty")
	}
	return nil
}

// Encode returns the canonical byte encoding the commitment hash covers.
// Fields are length-ambiguity-free because of the separator and the decimal
// funding amount.
func (p *UpkeepParams) Encode() []byte {
	return []byte(p.Name + "\x00" + p.FundingAmount.String() + "\x00" + p.AdminID)
}
