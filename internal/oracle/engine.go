// Package oracle implements the share price sampling engine: a circular
// buffer of cumulative (value × time) observations with a trailing
// time-weighted average answer (TWAA), a heartbeat-or-deviation update
// trigger, an irreversible anomaly kill switch, and a single
// not-safe-to-use flag gating every read.
package oracle

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rewired-gh/navoracle/internal/models"
)

// Config holds the immutable parameters of one oracle instance. Durations
// are whole seconds, thresholds are basis points (10000 = 100%).
type Config struct {
	Heartbeat                   int64
	DeviationTriggerBps         int64
	GracePeriod                 int64
	ObservationsToUse           int
	AllowedAnswerChangeLowerBps int64
	AllowedAnswerChangeUpperBps int64
	Decimals                    uint8
}

func DefaultConfig() Config {
	return Config{
		Heartbeat:                   86400,
		DeviationTriggerBps:         5,
		GracePeriod:                 3600,
		ObservationsToUse:           4,
		AllowedAnswerChangeLowerBps: 9000,
		AllowedAnswerChangeUpperBps: 11000,
		Decimals:                    6,
	}
}

// Validate checks config constraints.
func (c Config) Validate() error {
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive, got %d", c.Heartbeat)
	}
	if c.DeviationTriggerBps <= 0 {
		return fmt.Errorf("deviation trigger must be positive, got %d bps", c.DeviationTriggerBps)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %d", c.GracePeriod)
	}
	if c.ObservationsToUse < 2 {
		return fmt.Errorf("observations to use must be at least 2, got %d", c.ObservationsToUse)
	}
	if c.AllowedAnswerChangeLowerBps <= 0 || c.AllowedAnswerChangeLowerBps >= bpsUnchanged {
		return fmt.Errorf("lower answer change bound must be in (0, %d), got %d", bpsUnchanged, c.AllowedAnswerChangeLowerBps)
	}
	if c.AllowedAnswerChangeUpperBps <= bpsUnchanged {
		return fmt.Errorf("upper answer change bound must exceed %d, got %d", bpsUnchanged, c.AllowedAnswerChangeUpperBps)
	}
	return nil
}

// HealthReporter is the optional upstream health collaborator. Report must
// be cheap and non-blocking; implementations cache the last known state.
type HealthReporter interface {
	Report() (up bool, since int64)
}

// Engine is one oracle instance for one monitored fund. All writes funnel
// through Update under a single exclusive critical section; reads take a
// read lock and are O(1) in the buffer size.
type Engine struct {
	mu     sync.RWMutex
	config Config
	health HealthReporter

	observations        []models.Observation
	currentIndex        int
	filled              int
	lastSavedAnswer     *big.Int
	lastUpdateTimestamp int64
	killSwitch          bool

	// identity is the sole credential allowed to commit observations,
	// bound by the upkeep registration state machine.
	identity string

	nowFn func() int64
}

// New creates an engine with an empty buffer. health may be nil.
func New(config Config, health HealthReporter) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oracle config: %w", err)
	}
	return &Engine{
		config:       config,
		health:       health,
		observations: make([]models.Observation, config.ObservationsToUse),
		nowFn:        func() int64 { return time.Now().Unix() },
	}, nil
}

// Restore creates an engine resuming from a persisted snapshot. The buffer
// capacity is fixed at construction, so the snapshot must match config.
func Restore(config Config, health HealthReporter, snap *models.Snapshot) (*Engine, error) {
	e, err := New(config, health)
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(config.ObservationsToUse); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	for i, obs := range snap.Observations {
		if obs.Cumulative != nil {
			e.observations[i] = models.Observation{
				Cumulative: new(big.Int).Set(obs.Cumulative),
				Timestamp:  obs.Timestamp,
			}
		}
	}
	e.currentIndex = snap.CurrentIndex
	e.filled = snap.Filled
	if snap.LastSavedAnswer != nil {
		e.lastSavedAnswer = new(big.Int).Set(snap.LastSavedAnswer)
	}
	e.lastUpdateTimestamp = snap.LastUpdateTimestamp
	e.killSwitch = snap.KillSwitch
	e.identity = snap.SchedulerIdentity
	return e, nil
}

// BindIdentity sets the authorized scheduler credential. Called once by the
// upkeep state machine when registration completes.
func (e *Engine) BindIdentity(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = identity
}

// Identity returns the bound scheduler credential, or "" if none is bound.
func (e *Engine) Identity() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identity
}

// KillSwitch reports whether the one-way anomaly latch has tripped.
func (e *Engine) KillSwitch() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.killSwitch
}

// CheckTrigger reports whether a new observation is due at now for the given
// sample: the heartbeat has elapsed, or the sample deviates from the last
// saved answer by at least the deviation trigger. It is a pure query open to
// any caller; the returned proposal is only a candidate and is re-validated
// by Update.
func (e *Engine) CheckTrigger(now int64, sample *big.Int) (bool, models.Proposal) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	proposal := models.Proposal{Sample: new(big.Int).Set(sample), Timestamp: now}
	return e.triggerNeeded(now, sample), proposal
}

// Update commits a proposal as the next observation. Only the bound
// scheduler identity may call it, and the proposal is re-validated against
// current state so that replays, clock skew, and races with other commits
// are all rejected without mutation.
//
// A proposal that violates the anomaly bounds is still committed, but the
// kill switch trips irreversibly and the returned event describes the
// violation; every later read and write is then gated.
func (e *Engine) Update(caller string, p models.Proposal) (*models.AnomalyEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killSwitch {
		return nil, ErrKillSwitchActive
	}
	if e.identity == "" || caller != e.identity {
		return nil, ErrUnauthorized
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proposal: %w", err)
	}
	if p.Timestamp > e.nowFn() {
		return nil, ErrFutureProposal
	}
	if p.Timestamp <= e.lastUpdateTimestamp {
		return nil, ErrStaleProposal
	}
	if !e.triggerNeeded(p.Timestamp, p.Sample) {
		return nil, ErrTriggerNotMet
	}

	// The guard reads the pre-commit TWAA baseline, so it must run before
	// the buffer mutates.
	event := e.guard(p.Sample, p.Timestamp)
	e.commit(p.Sample, p.Timestamp)
	if event != nil {
		e.killSwitch = true
	}
	return event, nil
}

// triggerNeeded evaluates the dual trigger under a held lock. A fresh
// instance (no committed answer yet) always triggers.
func (e *Engine) triggerNeeded(now int64, sample *big.Int) bool {
	if e.lastUpdateTimestamp == 0 || e.lastSavedAnswer == nil || e.lastSavedAnswer.Sign() == 0 {
		return true
	}
	if now-e.lastUpdateTimestamp >= e.config.Heartbeat {
		return true
	}
	deviation := new(big.Int).Sub(sample, e.lastSavedAnswer)
	deviation.Abs(deviation)
	deviation.Mul(deviation, big.NewInt(bpsUnchanged))
	deviation.Quo(deviation, e.lastSavedAnswer)
	return deviation.Cmp(big.NewInt(e.config.DeviationTriggerBps)) >= 0
}

// GetLatest returns the most recently committed answer, the TWAA over the
// last N observations, and the safety flag. The TWAA is nil until N
// observations have been committed; callers must treat notSafeToUse=true as
// a fast-fail, never as a usable value.
func (e *Engine) GetLatest() (answer, twaa *big.Int, notSafeToUse bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSavedAnswer != nil {
		answer = new(big.Int).Set(e.lastSavedAnswer)
	}
	if avg := e.twaa(); avg != nil {
		twaa = avg
	}
	return answer, twaa, e.notSafe(e.nowFn())
}

// GetLatestAnswer is the cheap variant of GetLatest for callers that only
// need the instantaneous figure; it skips the TWAA computation.
func (e *Engine) GetLatestAnswer() (answer *big.Int, notSafeToUse bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSavedAnswer != nil {
		answer = new(big.Int).Set(e.lastSavedAnswer)
	}
	return answer, e.notSafe(e.nowFn())
}

// Snapshot exports the persisted state layout for checkpointing.
func (e *Engine) Snapshot() *models.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := &models.Snapshot{
		Observations:        make([]models.Observation, len(e.observations)),
		CurrentIndex:        e.currentIndex,
		Filled:              e.filled,
		LastUpdateTimestamp: e.lastUpdateTimestamp,
		KillSwitch:          e.killSwitch,
		SchedulerIdentity:   e.identity,
	}
	for i, obs := range e.observations {
		if obs.Cumulative != nil {
			snap.Observations[i] = models.Observation{
				Cumulative: new(big.Int).Set(obs.Cumulative),
				Timestamp:  obs.Timestamp,
			}
		}
	}
	if e.lastSavedAnswer != nil {
		snap.LastSavedAnswer = new(big.Int).Set(e.lastSavedAnswer)
	}
	return snap
}
