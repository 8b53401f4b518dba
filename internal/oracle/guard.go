package oracle

import (
	"math"
	"math/big"

	"github.com/rewired-gh/navoracle/internal/models"
)

// bpsUnchanged is the basis-point ratio of an unchanged answer.
const bpsUnchanged = 10000

// guard checks the proposed answer against the allowed change band relative
// to the last saved answer and to the current TWAA. The TWAA baseline is
// what defeats spike-then-normalize: two consecutive manipulated updates can
// keep each step inside the band relative to the previous raw sample, but
// not relative to the smoothed average.
//
// A nil return means the proposal is within bounds. Callers hold the write
// lock; guard runs against pre-commit state.
func (e *Engine) guard(sample *big.Int, timestamp int64) *models.AnomalyEvent {
	if e.lastSavedAnswer != nil && e.lastSavedAnswer.Sign() > 0 {
		if bps, out := e.changeRatioBps(sample, e.lastSavedAnswer); out {
			return &models.AnomalyEvent{
				Answer:       new(big.Int).Set(sample),
				Baseline:     new(big.Int).Set(e.lastSavedAnswer),
				BaselineKind: models.BaselineLastAnswer,
				ChangeBps:    bps,
				Timestamp:    timestamp,
			}
		}
	}
	if baseline := e.twaa(); baseline != nil && baseline.Sign() > 0 {
		if bps, out := e.changeRatioBps(sample, baseline); out {
			return &models.AnomalyEvent{
				Answer:       new(big.Int).Set(sample),
				Baseline:     baseline,
				BaselineKind: models.BaselineTWAA,
				ChangeBps:    bps,
				Timestamp:    timestamp,
			}
		}
	}
	return nil
}

// changeRatioBps returns sample/baseline in basis points and whether the
// ratio falls outside [AllowedAnswerChangeLowerBps, AllowedAnswerChangeUpperBps].
// The reported int64 saturates at MaxInt64 for absurd ratios; the bound
// comparison itself is exact.
func (e *Engine) changeRatioBps(sample, baseline *big.Int) (int64, bool) {
	ratio := new(big.Int).Mul(sample, big.NewInt(bpsUnchanged))
	ratio.Quo(ratio, baseline)
	out := ratio.Cmp(big.NewInt(e.config.AllowedAnswerChangeLowerBps)) < 0 ||
		ratio.Cmp(big.NewInt(e.config.AllowedAnswerChangeUpperBps)) > 0
	if !ratio.IsInt64() {
		return math.MaxInt64, out
	}
	return ratio.Int64(), out
}
