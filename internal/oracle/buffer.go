package oracle

import (
	"math/big"

	"github.com/rewired-gh/navoracle/internal/models"
)

// commit writes the next cumulative observation at (currentIndex+1) mod N
// and advances the bookkeeping. Callers hold the write lock; nothing here
// can fail, so the whole Update is all-or-nothing.
func (e *Engine) commit(sample *big.Int, timestamp int64) {
	cumulative := new(big.Int)
	if e.filled > 0 {
		prev := e.observations[e.currentIndex]
		elapsed := big.NewInt(timestamp - prev.Timestamp)
		cumulative.Mul(sample, elapsed)
		cumulative.Add(cumulative, prev.Cumulative)
	}

	e.currentIndex = (e.currentIndex + 1) % e.config.ObservationsToUse
	e.observations[e.currentIndex] = models.Observation{
		Cumulative: cumulative,
		Timestamp:  timestamp,
	}
	if e.filled < e.config.ObservationsToUse {
		e.filled++
	}

	e.lastSavedAnswer = new(big.Int).Set(sample)
	e.lastUpdateTimestamp = timestamp
}

// twaa computes the time-weighted average answer over exactly the last N
// committed observations. It is defined only once the buffer is full;
// before that it returns nil. Division truncates toward zero.
func (e *Engine) twaa() *big.Int {
	if e.filled < e.config.ObservationsToUse {
		return nil
	}
	newest := e.observations[e.currentIndex]
	oldest := e.observations[(e.currentIndex+1)%e.config.ObservationsToUse]
	span := newest.Timestamp - oldest.Timestamp
	if span <= 0 {
		return nil
	}
	avg := new(big.Int).Sub(newest.Cumulative, oldest.Cumulative)
	return avg.Quo(avg, big.NewInt(span))
}
