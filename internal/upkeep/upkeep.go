// Package upkeep implements the registration state machine binding exactly
// one scheduler identity as the oracle's sole authorized writer. The
// handshake commits to the exact registration parameters with a SHA-256
// hash so a third party cannot complete it with mismatched parameters.
package upkeep

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/rewired-gh/navoracle/internal/models"
)

var (
	// ErrAlreadyInitialized indicates Initialize was called after it had
	// already succeeded. Initialization is one-shot.
	ErrAlreadyInitialized = errors.New("upkeep registration already initialized")

	// ErrNoPendingUpkeep indicates HandlePendingUpkeep was called with no
	// registration handshake in flight.
	ErrNoPendingUpkeep = errors.New("no pending upkeep to handle")

	// ErrParamHashMismatch indicates the candidate's parameters do not
	// match the stored commitment. The call is repeatable: nothing changed.
	ErrParamHashMismatch = errors.New("candidate parameters do not match registration commitment")
)

// Registrar is the external scheduler's registration surface.
type Registrar interface {
	// Register submits the upkeep. When the scheduler's policy
	// auto-approves, the returned registration carries the forwarder
	// credential and AutoApproved is true; otherwise the registration is
	// pending and CandidateID identifies it.
	Register(ctx context.Context, params models.UpkeepParams) (Registration, error)

	// PendingParams returns the parameters and forwarder credential the
	// scheduler associates with a pending candidate.
	PendingParams(ctx context.Context, candidateID string) (models.UpkeepParams, string, error)
}

// Registration is the scheduler's answer to a Register call.
type Registration struct {
	CandidateID  string
	Forwarder    string
	AutoApproved bool
}

// Binder receives the authorized scheduler credential once registration
// completes. *oracle.Engine satisfies it.
type Binder interface {
	BindIdentity(identity string)
}

// Manager drives Uninitialized → {Active | PendingRegistration} → Active.
// Active is terminal.
type Manager struct {
	mu        sync.Mutex
	registrar Registrar
	binder    Binder
	name      string
	adminID   string

	status      int
	commitment  []byte
	forwarder   string
	candidateID string
}

// NewManager creates an uninitialized registration manager.
func NewManager(registrar Registrar, binder Binder, name, adminID string) *Manager {
	return &Manager{
		registrar: registrar,
		binder:    binder,
		name:      name,
		adminID:   adminID,
	}
}

// RestoreManager resumes a manager from persisted registration state.
func RestoreManager(registrar Registrar, binder Binder, name, adminID string, status int, commitment []byte, forwarder string) (*Manager, error) {
	if status < models.RegistrationUninitialized || status > models.RegistrationActive {
		return nil, fmt.Errorf("unknown registration status %d", status)
	}
	if status == models.RegistrationPending && len(commitment) == 0 {
		return nil, errors.New("pending registration without a commitment hash")
	}
	if status == models.RegistrationActive && forwarder == "" {
		return nil, errors.New("active registration without a forwarder")
	}
	m := NewManager(registrar, binder, name, adminID)
	m.status = status
	m.commitment = append([]byte(nil), commitment...)
	m.forwarder = forwarder
	return m, nil
}

// Initialize submits the registration. It may only ever be called once; a
// failed registrar call leaves the manager uninitialized so the call can be
// retried.
func (m *Manager) Initialize(ctx context.Context, fundingAmount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != models.RegistrationUninitialized {
		return ErrAlreadyInitialized
	}

	params := models.UpkeepParams{
		Name:          m.name,
		FundingAmount: fundingAmount,
		AdminID:       m.adminID,
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid registration params: %w", err)
	}

	reg, err := m.registrar.Register(ctx, params)
	if err != nil {
		return fmt.Errorf("registrar rejected upkeep: %w", err)
	}

	if reg.AutoApproved {
		if reg.Forwarder == "" {
			return errors.New("auto-approved registration without a forwarder")
		}
		m.bind(reg.Forwarder)
		return nil
	}

	hash := sha256.Sum256(params.Encode())
	m.commitment = hash[:]
	m.candidateID = reg.CandidateID
	m.status = models.RegistrationPending
	return nil
}

// HandlePendingUpkeep completes a pending handshake for candidateID. On a
// parameter mismatch nothing changes and the call may be repeated with
// another candidate.
func (m *Manager) HandlePendingUpkeep(ctx context.Context, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != models.RegistrationPending {
		return ErrNoPendingUpkeep
	}

	params, forwarder, err := m.registrar.PendingParams(ctx, candidateID)
	if err != nil {
		return fmt.Errorf("fetch pending params for %q: %w", candidateID, err)
	}

	hash := sha256.Sum256(params.Encode())
	if !bytes.Equal(hash[:], m.commitment) {
		return ErrParamHashMismatch
	}
	if forwarder == "" {
		return fmt.Errorf("candidate %q has no forwarder bound", candidateID)
	}

	m.bind(forwarder)
	m.commitment = nil
	m.candidateID = ""
	return nil
}

func (m *Manager) bind(forwarder string) {
	m.forwarder = forwarder
	m.status = models.RegistrationActive
	if m.binder != nil {
		m.binder.BindIdentity(forwarder)
	}
}

// Status returns the current registration status.
func (m *Manager) Status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Forwarder returns the bound scheduler credential, or "" before Active.
func (m *Manager) Forwarder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forwarder
}

// CandidateID returns the in-flight candidate from Initialize, or "".
func (m *Manager) CandidateID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidateID
}

// Commitment returns a copy of the pending commitment hash for persistence.
func (m *Manager) Commitment() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.commitment...)
}
