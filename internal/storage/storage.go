// Package storage provides SQLite-backed persistence for the oracle's
// checkpointed state and anomaly events.
package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/navoracle/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database holding one oracle instance's snapshot
// and its anomaly event log.
type Storage struct {
	db           *sql.DB
	maxAnomalies int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/navoracle/data.db.
func New(maxAnomalies int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "navoracle", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxAnomalies: maxAnomalies}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oracle_state (
			id                   INTEGER PRIMARY KEY CHECK (id = 1),
			current_index        INTEGER NOT NULL,
			filled               INTEGER NOT NULL,
			last_saved_answer    TEXT,
			last_update_ts       INTEGER NOT NULL,
			kill_switch          INTEGER NOT NULL DEFAULT 0,
			scheduler_identity   TEXT NOT NULL DEFAULT '',
			pending_commitment   TEXT NOT NULL DEFAULT '',
			registration_status  INTEGER NOT NULL DEFAULT 0,
			updated_at           INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS observations (
			slot        INTEGER PRIMARY KEY,
			cumulative  TEXT,
			timestamp   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS anomaly_events (
			id            TEXT PRIMARY KEY,
			answer        TEXT NOT NULL,
			baseline      TEXT NOT NULL,
			baseline_kind TEXT NOT NULL,
			change_bps    INTEGER NOT NULL,
			observed_at   INTEGER NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomaly_observed_at ON anomaly_events(observed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot checkpoints the full persisted state layout in one
// transaction: the state row plus every buffer slot.
func (s *Storage) SaveSnapshot(snap *models.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO oracle_state
			(id, current_index, filled, last_saved_answer, last_update_ts,
			 kill_switch, scheduler_identity, pending_commitment, registration_status, updated_at)
		VALUES (1,?,?,?,?,?,?,?,?,?)`,
		snap.CurrentIndex, snap.Filled, bigToText(snap.LastSavedAnswer), snap.LastUpdateTimestamp,
		boolToInt(snap.KillSwitch), snap.SchedulerIdentity, hex.EncodeToString(snap.PendingCommitment),
		snap.RegistrationStatus, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save state row: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM observations`); err != nil {
		return fmt.Errorf("failed to clear observations: %w", err)
	}
	for slot, obs := range snap.Observations {
		if _, err := tx.Exec(`INSERT INTO observations (slot, cumulative, timestamp) VALUES (?,?,?)`,
			slot, bigToText(obs.Cumulative), obs.Timestamp); err != nil {
			return fmt.Errorf("failed to save observation slot %d: %w", slot, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot restores the persisted layout. Returns (nil, nil) when no
// checkpoint exists yet.
func (s *Storage) LoadSnapshot() (*models.Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT current_index, filled, last_saved_answer, last_update_ts,
		       kill_switch, scheduler_identity, pending_commitment, registration_status
		FROM oracle_state WHERE id = 1`)

	var snap models.Snapshot
	var lastAnswer sql.NullString
	var killSwitch int
	var commitmentHex string

	err := row.Scan(
		&snap.CurrentIndex, &snap.Filled, &lastAnswer, &snap.LastUpdateTimestamp,
		&killSwitch, &snap.SchedulerIdentity, &commitmentHex, &snap.RegistrationStatus,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state row: %w", err)
	}

	snap.KillSwitch = killSwitch != 0
	if lastAnswer.Valid && lastAnswer.String != "" {
		snap.LastSavedAnswer, err = textToBig(lastAnswer.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt last saved answer: %w", err)
		}
	}
	if commitmentHex != "" {
		snap.PendingCommitment, err = hex.DecodeString(commitmentHex)
		if err != nil {
			return nil, fmt.Errorf("corrupt pending commitment: %w", err)
		}
	}

	rows, err := s.db.Query(`SELECT slot, cumulative, timestamp FROM observations ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slot int
		var cumulative sql.NullString
		var timestamp int64
		if err := rows.Scan(&slot, &cumulative, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		for len(snap.Observations) <= slot {
			snap.Observations = append(snap.Observations, models.Observation{})
		}
		obs := models.Observation{Timestamp: timestamp}
		if cumulative.Valid && cumulative.String != "" {
			obs.Cumulative, err = textToBig(cumulative.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt observation slot %d: %w", slot, err)
			}
		}
		snap.Observations[slot] = obs
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &snap, nil
}

// AddAnomaly records a kill switch trip. An empty event ID gets a fresh
// UUID; the log is capped at maxAnomalies, evicting the oldest.
func (s *Storage) AddAnomaly(event *models.AnomalyEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO anomaly_events
			(id, answer, baseline, baseline_kind, change_bps, observed_at, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		event.ID, bigToText(event.Answer), bigToText(event.Baseline), event.BaselineKind,
		event.ChangeBps, event.Timestamp, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly event: %w", err)
	}

	if s.maxAnomalies > 0 {
		if _, err := tx.Exec(`
			DELETE FROM anomaly_events WHERE id NOT IN (
				SELECT id FROM anomaly_events ORDER BY observed_at DESC LIMIT ?
			)`, s.maxAnomalies); err != nil {
			return fmt.Errorf("failed to enforce anomaly cap: %w", err)
		}
	}

	return tx.Commit()
}

// ListAnomalies returns up to k anomaly events, newest first.
func (s *Storage) ListAnomalies(k int) ([]models.AnomalyEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, answer, baseline, baseline_kind, change_bps, observed_at
		FROM anomaly_events ORDER BY observed_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomaly events: %w", err)
	}
	defer rows.Close()

	var events []models.AnomalyEvent
	for rows.Next() {
		var e models.AnomalyEvent
		var answer, baseline string
		if err := rows.Scan(&e.ID, &answer, &baseline, &e.BaselineKind, &e.ChangeBps, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly event: %w", err)
		}
		if e.Answer, err = textToBig(answer); err != nil {
			return nil, fmt.Errorf("corrupt anomaly answer: %w", err)
		}
		if e.Baseline, err = textToBig(baseline); err != nil {
			return nil, fmt.Errorf("corrupt anomaly baseline: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func bigToText(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func textToBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
