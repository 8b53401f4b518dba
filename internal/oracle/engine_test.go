package oracle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rewired-gh/navoracle/internal/models"
)

const (
	testIdentity = "keeper-forwarder-1"
	t0           = int64(1_700_000_000)
	day          = int64(86400)
)

// price returns a scaled share price at 6 decimals.
func price(units int64) *big.Int {
	return big.NewInt(units)
}

type fakeClock struct {
	now int64
}

type fakeHealth struct {
	up    bool
	since int64
}

func (h *fakeHealth) Report() (bool, int64) { return h.up, h.since }

func newTestEngine(t *testing.T, config Config, health HealthReporter) (*Engine, *fakeClock) {
	t.Helper()
	e, err := New(config, health)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := &fakeClock{now: t0}
	e.nowFn = func() int64 { return clk.now }
	e.BindIdentity(testIdentity)
	return e, clk
}

// mustUpdate advances the clock to ts and commits (sample, ts) as the bound
// identity, failing the test on any rejection or anomaly trip.
func mustUpdate(t *testing.T, e *Engine, clk *fakeClock, sample *big.Int, ts int64) {
	t.Helper()
	clk.now = ts
	event, err := e.Update(testIdentity, models.Proposal{Sample: sample, Timestamp: ts})
	if err != nil {
		t.Fatalf("Update(%v, %d): %v", sample, ts, err)
	}
	if event != nil {
		t.Fatalf("Update(%v, %d): unexpected anomaly trip (%+v)", sample, ts, event)
	}
}

func TestFillSequence_ConstantAnswer(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)

	// Unsafe while the buffer is under-populated, safe from the Nth commit.
	for i := 0; i < 4; i++ {
		if _, _, notSafe := e.GetLatest(); !notSafe {
			t.Fatalf("read safe after %d/4 observations", i)
		}
		mustUpdate(t, e, clk, v, t0+int64(i)*day)
	}

	answer, twaa, notSafe := e.GetLatest()
	if notSafe {
		t.Error("read not safe with a full, fresh buffer")
	}
	if answer.Cmp(v) != 0 {
		t.Errorf("answer = %v, want %v", answer, v)
	}
	if twaa == nil || twaa.Cmp(v) != 0 {
		t.Errorf("twaa = %v, want %v", twaa, v)
	}

	cheap, notSafe := e.GetLatestAnswer()
	if notSafe || cheap.Cmp(v) != 0 {
		t.Errorf("GetLatestAnswer = (%v, %v), want (%v, false)", cheap, notSafe, v)
	}
}

func TestGetLatest_EmptyEngine(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	answer, twaa, notSafe := e.GetLatest()
	if !notSafe {
		t.Error("empty engine must not be safe to use")
	}
	if answer != nil || twaa != nil {
		t.Errorf("empty engine returned answer=%v twaa=%v", answer, twaa)
	}
}

func TestUpdate_StaleReplay(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)
	p := models.Proposal{Sample: v, Timestamp: t0}

	clk.now = t0
	if _, err := e.Update(testIdentity, p); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	before := e.Snapshot()

	// Replaying the committed proposal must fail and leave state untouched.
	for i := 0; i < 3; i++ {
		if _, err := e.Update(testIdentity, p); !errors.Is(err, ErrStaleProposal) {
			t.Fatalf("replay %d: err = %v, want ErrStaleProposal", i, err)
		}
	}
	after := e.Snapshot()
	if after.CurrentIndex != before.CurrentIndex || after.Filled != before.Filled {
		t.Errorf("replay mutated buffer: before (%d,%d), after (%d,%d)",
			before.CurrentIndex, before.Filled, after.CurrentIndex, after.Filled)
	}
}

func TestUpdate_FutureProposal(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	clk.now = t0
	p := models.Proposal{Sample: price(1_000_000), Timestamp: t0 + 1}
	if _, err := e.Update(testIdentity, p); !errors.Is(err, ErrFutureProposal) {
		t.Errorf("err = %v, want ErrFutureProposal", err)
	}
}

func TestUpdate_TriggerNotMet(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)
	mustUpdate(t, e, clk, v, t0)

	// Well inside the heartbeat with an unchanged sample: a racing commit
	// landed first and the held proposal is no longer due.
	clk.now = t0 + 10
	p := models.Proposal{Sample: v, Timestamp: t0 + 10}
	if _, err := e.Update(testIdentity, p); !errors.Is(err, ErrTriggerNotMet) {
		t.Errorf("err = %v, want ErrTriggerNotMet", err)
	}
}

func TestUpdate_Unauthorized(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	clk.now = t0
	p := models.Proposal{Sample: price(1_000_000), Timestamp: t0}

	if _, err := e.Update("someone-else", p); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong identity: err = %v, want ErrUnauthorized", err)
	}

	unbound, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	unbound.nowFn = func() int64 { return t0 }
	if _, err := unbound.Update("", p); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unbound identity: err = %v, want ErrUnauthorized", err)
	}
}

func TestUpdate_InvalidProposal(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	clk.now = t0
	if _, err := e.Update(testIdentity, models.Proposal{Timestamp: t0}); err == nil {
		t.Error("expected error for nil sample")
	}
}

func TestCheckTrigger_DeviationBeforeHeartbeat(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)
	mustUpdate(t, e, clk, v, t0)

	// 4.99 bps away: below the 5 bps trigger, well before the heartbeat.
	if needed, _ := e.CheckTrigger(t0+600, price(1_000_499)); needed {
		t.Error("trigger reported needed below the deviation threshold")
	}
	// Exactly 5 bps away strictly before the heartbeat elapses.
	needed, proposal := e.CheckTrigger(t0+600, price(1_000_500))
	if !needed {
		t.Error("trigger not reported at the deviation threshold")
	}
	if proposal.Timestamp != t0+600 || proposal.Sample.Cmp(price(1_000_500)) != 0 {
		t.Errorf("proposal = %+v, want sample 1000500 at %d", proposal, t0+600)
	}

	// Heartbeat alone is sufficient even with an unchanged sample.
	if needed, _ := e.CheckTrigger(t0+day, v); !needed {
		t.Error("trigger not reported at heartbeat expiry")
	}
	// Immediately after a commit at an unchanged sample, nothing is due.
	if needed, _ := e.CheckTrigger(t0+1, v); needed {
		t.Error("trigger reported immediately after commit with unchanged sample")
	}
}

func TestCheckTrigger_FreshInstanceAlwaysDue(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	if needed, _ := e.CheckTrigger(t0, price(42)); !needed {
		t.Error("fresh instance must report an update as due")
	}
}

func TestCheckTrigger_IsPure(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	mustUpdate(t, e, clk, price(1_000_000), t0)
	before := e.Snapshot()
	for i := 0; i < 5; i++ {
		e.CheckTrigger(t0+day*int64(i), price(2_000_000))
	}
	after := e.Snapshot()
	if after.CurrentIndex != before.CurrentIndex || after.LastUpdateTimestamp != before.LastUpdateTimestamp {
		t.Error("CheckTrigger mutated engine state")
	}
}

func TestKillSwitch_TripOnExtremeJump(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)
	for i := 0; i < 4; i++ {
		mustUpdate(t, e, clk, v, t0+int64(i)*day)
	}

	// 10x jump: committed, but the latch trips.
	spike := price(10_000_000)
	ts := t0 + 4*day
	clk.now = ts
	event, err := e.Update(testIdentity, models.Proposal{Sample: spike, Timestamp: ts})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if event == nil {
		t.Fatal("expected anomaly event for 10x jump")
	}
	if event.BaselineKind != models.BaselineLastAnswer {
		t.Errorf("baseline kind = %q, want %q", event.BaselineKind, models.BaselineLastAnswer)
	}
	if event.ChangeBps != 100_000 {
		t.Errorf("change = %d bps, want 100000", event.ChangeBps)
	}

	// The anomalous value is recorded, but every read is now gated.
	answer, notSafe := e.GetLatestAnswer()
	if answer.Cmp(spike) != 0 {
		t.Errorf("answer = %v, want the committed spike %v", answer, spike)
	}
	if !notSafe {
		t.Error("read reported safe after kill switch trip")
	}
	if !e.KillSwitch() {
		t.Error("KillSwitch() = false after trip")
	}
}

func TestKillSwitch_OneWayLatch(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)
	for i := 0; i < 4; i++ {
		mustUpdate(t, e, clk, v, t0+int64(i)*day)
	}
	ts := t0 + 4*day
	clk.now = ts
	if _, err := e.Update(testIdentity, models.Proposal{Sample: price(10_000_000), Timestamp: ts}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Perfectly normal samples afterwards: still rejected, still unsafe.
	for i := int64(5); i < 8; i++ {
		ts := t0 + i*day
		clk.now = ts
		_, err := e.Update(testIdentity, models.Proposal{Sample: v, Timestamp: ts})
		if !errors.Is(err, ErrKillSwitchActive) {
			t.Fatalf("post-trip Update: err = %v, want ErrKillSwitchActive", err)
		}
		if _, _, notSafe := e.GetLatest(); !notSafe {
			t.Fatal("post-trip read reported safe")
		}
	}
}

func TestKillSwitch_TWAABaselineDefeatsRamp(t *testing.T) {
	// Each step stays just inside the +10% band relative to the previous
	// raw sample; the smoothed TWAA baseline still catches the ramp.
	config := DefaultConfig()
	config.DeviationTriggerBps = 5
	e, clk := newTestEngine(t, config, nil)

	samples := []int64{1_000_000, 1_099_000, 1_207_801, 1_327_373}
	for i, s := range samples {
		mustUpdate(t, e, clk, price(s), t0+int64(i)*day)
	}

	// +9.9% versus the last answer (10991 bps, inside the band), but the
	// TWAA is (1099000+1207801+1327373)/3 = 1211391, so the ratio there is
	// 12044 bps.
	ts := t0 + 4*day
	clk.now = ts
	event, err := e.Update(testIdentity, models.Proposal{Sample: price(1_459_000), Timestamp: ts})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if event == nil {
		t.Fatal("expected TWAA-baseline anomaly trip")
	}
	if event.BaselineKind != models.BaselineTWAA {
		t.Errorf("baseline kind = %q, want %q", event.BaselineKind, models.BaselineTWAA)
	}
	if event.Baseline.Cmp(price(1_211_391)) != 0 {
		t.Errorf("baseline = %v, want 1211391", event.Baseline)
	}
	if event.ChangeBps != 12044 {
		t.Errorf("change = %d bps, want 12044", event.ChangeBps)
	}
}

func TestTWAA_SpikeImpactBounded(t *testing.T) {
	// With bounds wide open, a single-period 2x spike followed by reversion
	// perturbs the TWAA by spike/N-ish, not by the spike itself.
	config := DefaultConfig()
	config.AllowedAnswerChangeLowerBps = 1
	config.AllowedAnswerChangeUpperBps = 1_000_000
	e, clk := newTestEngine(t, config, nil)

	v := price(1_200_000)
	for i := 0; i < 4; i++ {
		mustUpdate(t, e, clk, v, t0+int64(i)*day)
	}
	mustUpdate(t, e, clk, price(2_400_000), t0+4*day) // spike
	mustUpdate(t, e, clk, v, t0+5*day)                // reversion

	// Window now spans commits 3..6: interval samples v, 2v, v.
	_, twaa, _ := e.GetLatest()
	want := big.NewInt((1_200_000 + 2_400_000 + 1_200_000) / 3)
	if twaa.Cmp(want) != 0 {
		t.Errorf("twaa = %v, want %v", twaa, want)
	}
}

func TestSafetyGate_Staleness(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)
	for i := 0; i < 4; i++ {
		mustUpdate(t, e, clk, v, t0+int64(i)*day)
	}
	last := t0 + 3*day

	// Exactly heartbeat+grace since the last commit: still tolerated.
	clk.now = last + day + 3600
	if _, _, notSafe := e.GetLatest(); notSafe {
		t.Error("read unsafe within heartbeat+grace")
	}
	// One second past: stale, purely from the scheduler going quiet.
	clk.now = last + day + 3600 + 1
	if _, _, notSafe := e.GetLatest(); !notSafe {
		t.Error("read safe past heartbeat+grace")
	}
}

func TestSafetyGate_UpstreamHealth(t *testing.T) {
	health := &fakeHealth{up: true, since: t0 - 10*day}
	e, clk := newTestEngine(t, DefaultConfig(), health)
	v := price(1_000_000)
	for i := 0; i < 4; i++ {
		mustUpdate(t, e, clk, v, t0+int64(i)*day)
	}

	if _, _, notSafe := e.GetLatest(); notSafe {
		t.Fatal("read unsafe with healthy upstream")
	}

	health.up = false
	if _, _, notSafe := e.GetLatest(); !notSafe {
		t.Error("read safe while upstream reports down")
	}

	// Upstream back up, but not yet for a full grace period.
	health.up = true
	health.since = clk.now - 100
	if _, _, notSafe := e.GetLatest(); !notSafe {
		t.Error("read safe during post-recovery grace period")
	}

	health.since = clk.now - 3600
	if _, _, notSafe := e.GetLatest(); notSafe {
		t.Error("read unsafe after a full grace period of uptime")
	}
}

func TestSnapshotRestore_Roundtrip(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)
	for i := 0; i < 4; i++ {
		mustUpdate(t, e, clk, v, t0+int64(i)*day)
	}
	snap := e.Snapshot()
	snap.RegistrationStatus = models.RegistrationActive

	restored, err := Restore(DefaultConfig(), nil, snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restored.nowFn = func() int64 { return clk.now }

	answer, twaa, notSafe := restored.GetLatest()
	if notSafe {
		t.Error("restored engine not safe with a full fresh buffer")
	}
	if answer.Cmp(v) != 0 || twaa.Cmp(v) != 0 {
		t.Errorf("restored read = (%v, %v), want (%v, %v)", answer, twaa, v, v)
	}
	if restored.Identity() != testIdentity {
		t.Errorf("restored identity = %q, want %q", restored.Identity(), testIdentity)
	}

	// A stale replay against the restored engine is still rejected: the
	// state machine resumed, not restarted.
	if _, err := restored.Update(testIdentity, models.Proposal{Sample: v, Timestamp: t0 + 3*day}); !errors.Is(err, ErrStaleProposal) {
		t.Errorf("replay after restore: err = %v, want ErrStaleProposal", err)
	}
}

func TestSnapshotRestore_KillSwitchSurvives(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), nil)
	v := price(1_000_000)
	for i := 0; i < 4; i++ {
		mustUpdate(t, e, clk, v, t0+int64(i)*day)
	}
	ts := t0 + 4*day
	clk.now = ts
	if _, err := e.Update(testIdentity, models.Proposal{Sample: price(10_000_000), Timestamp: ts}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	restored, err := Restore(DefaultConfig(), nil, e.Snapshot())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restored.nowFn = func() int64 { return clk.now }
	if !restored.KillSwitch() {
		t.Error("kill switch did not survive snapshot/restore")
	}
	_, err = restored.Update(testIdentity, models.Proposal{Sample: v, Timestamp: ts + day})
	if !errors.Is(err, ErrKillSwitchActive) {
		t.Errorf("err = %v, want ErrKillSwitchActive", err)
	}
}

func TestRestore_RejectsBadSnapshot(t *testing.T) {
	snap := &models.Snapshot{Observations: make([]models.Observation, 3)}
	if _, err := Restore(DefaultConfig(), nil, snap); err == nil {
		t.Error("expected error for capacity mismatch")
	}
	snap = &models.Snapshot{Observations: make([]models.Observation, 4), CurrentIndex: 7}
	if _, err := Restore(DefaultConfig(), nil, snap); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero heartbeat", func(c *Config) { c.Heartbeat = 0 }, true},
		{"zero deviation trigger", func(c *Config) { c.DeviationTriggerBps = 0 }, true},
		{"negative grace period", func(c *Config) { c.GracePeriod = -1 }, true},
		{"single observation buffer", func(c *Config) { c.ObservationsToUse = 1 }, true},
		{"lower bound above parity", func(c *Config) { c.AllowedAnswerChangeLowerBps = 10000 }, true},
		{"upper bound at parity", func(c *Config) { c.AllowedAnswerChangeUpperBps = 10000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
