package models

import "math/big"

// Baseline kinds an anomaly was measured against.
const (
	BaselineLastAnswer = "last_answer"
	BaselineTWAA       = "twaa"
)

// AnomalyEvent records a kill switch trip: the committed anomalous answer,
// the baseline whose allowed-change band it violated, and the measured
// change ratio in basis points (10000 = unchanged). ID is assigned by
// storage when the event is persisted.
type AnomalyEvent struct {
	ID           string
	Answer       *big.Int
	Baseline     *big.Int
	BaselineKind string
	ChangeBps    int64
	Timestamp    int64
}
