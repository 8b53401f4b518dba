package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/navoracle/internal/config"
	"github.com/rewired-gh/navoracle/internal/fund"
	"github.com/rewired-gh/navoracle/internal/health"
	"github.com/rewired-gh/navoracle/internal/logger"
	"github.com/rewired-gh/navoracle/internal/models"
	"github.com/rewired-gh/navoracle/internal/oracle"
	"github.com/rewired-gh/navoracle/internal/storage"
	"github.com/rewired-gh/navoracle/internal/telegram"
	"github.com/rewired-gh/navoracle/internal/upkeep"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(
		cfg.Storage.MaxAnomalies,
		cfg.Storage.DBPath,
	)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var monitor *health.Monitor
	var reporter oracle.HealthReporter
	if cfg.Health.Enabled {
		monitor = health.NewMonitor(cfg.Health.BaseURL, cfg.Health.Timeout)
		reporter = monitor
	}

	oracleConfig := oracle.Config{
		Heartbeat:                   int64(cfg.Oracle.Heartbeat / time.Second),
		DeviationTriggerBps:         cfg.Oracle.DeviationTriggerBps,
		GracePeriod:                 int64(cfg.Oracle.GracePeriod / time.Second),
		ObservationsToUse:           cfg.Oracle.ObservationsToUse,
		AllowedAnswerChangeLowerBps: cfg.Oracle.AllowedAnswerChangeLowerBps,
		AllowedAnswerChangeUpperBps: cfg.Oracle.AllowedAnswerChangeUpperBps,
		Decimals:                    cfg.Oracle.Decimals,
	}

	snap, err := store.LoadSnapshot()
	if err != nil {
		logger.Fatal("Failed to load checkpoint: %v", err)
	}

	var engine *oracle.Engine
	if snap != nil {
		engine, err = oracle.Restore(oracleConfig, reporter, snap)
		if err != nil {
			logger.Fatal("Failed to restore oracle from checkpoint: %v", err)
		}
		logger.Info("Oracle restored from checkpoint (filled: %d, kill_switch: %v)", snap.Filled, snap.KillSwitch)
	} else {
		engine, err = oracle.New(oracleConfig, reporter)
		if err != nil {
			logger.Fatal("Failed to create oracle: %v", err)
		}
		logger.Info("Oracle started with an empty buffer")
	}

	fundClient := fund.NewClient(
		cfg.Fund.BaseURL,
		cfg.Fund.Timeout,
		fund.ClientConfig{
			MaxRetries:     cfg.Fund.MaxRetries,
			RetryDelayBase: cfg.Fund.RetryDelayBase,
		},
	)

	registrar := upkeep.NewClient(cfg.Registry.BaseURL, cfg.Registry.Timeout, cfg.Registry.MaxRetries, cfg.Registry.RetryDelayBase)

	var manager *upkeep.Manager
	if snap != nil {
		manager, err = upkeep.RestoreManager(
			registrar, engine,
			cfg.Keeper.UpkeepName, cfg.Keeper.AdminID,
			snap.RegistrationStatus, snap.PendingCommitment, snap.SchedulerIdentity,
		)
		if err != nil {
			logger.Fatal("Failed to restore registration state: %v", err)
		}
	} else {
		manager = upkeep.NewManager(registrar, engine, cfg.Keeper.UpkeepName, cfg.Keeper.AdminID)
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Oracle.Decimals, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if cfg.Telegram.Enabled && telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Starting keeper service (interval: %v, heartbeat: %v, deviation_trigger: %d bps, observations: %d)",
		cfg.Keeper.PollInterval,
		cfg.Oracle.Heartbeat,
		cfg.Oracle.DeviationTriggerBps,
		cfg.Oracle.ObservationsToUse,
	)

	ticker := time.NewTicker(cfg.Keeper.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	staleAlerted := false
	cyclesSinceCheckpoint := 0

	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Keeper cycle failed: %v", err)
			if consecutiveFailures == 1 && cfg.Telegram.Enabled && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && cfg.Telegram.Enabled && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}

		cyclesSinceCheckpoint++
		if cyclesSinceCheckpoint >= cfg.Keeper.CheckpointInterval {
			if err := saveCheckpoint(engine, manager, store); err != nil {
				logger.Error("Failed to save checkpoint: %v", err)
			} else {
				cyclesSinceCheckpoint = 0
			}
		}

		checkStaleness(engine, cfg, telegramClient, &staleAlerted)
	}

	logger.Debug("Running initial keeper cycle")
	handleCycleResult(runKeeperCycle(ctx, engine, manager, registrar, fundClient, monitor, store, telegramClient, cfg))

	for {
		select {
		case <-ctx.Done():
			if err := saveCheckpoint(engine, manager, store); err != nil {
				logger.Error("Failed to save final checkpoint: %v", err)
			}
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logger.Debug("Starting scheduled keeper cycle")
			handleCycleResult(runKeeperCycle(ctx, engine, manager, registrar, fundClient, monitor, store, telegramClient, cfg))
		}
	}
}

// ensureRegistration advances the upkeep registration state machine. It is
// idempotent per cycle: once Active it does nothing.
func ensureRegistration(
	ctx context.Context,
	manager *upkeep.Manager,
	registrar *upkeep.Client,
	telegramClient *telegram.Client,
	cfg *config.Config,
) error {
	switch manager.Status() {
	case models.RegistrationActive:
		return nil

	case models.RegistrationUninitialized:
		amount, err := cfg.FundingAmount()
		if err != nil {
			return err
		}
		logger.Info("Registering upkeep %q with the scheduler", cfg.Keeper.UpkeepName)
		if err := manager.Initialize(ctx, amount); err != nil {
			return fmt.Errorf("failed to register upkeep: %w", err)
		}
		if manager.Status() == models.RegistrationPending {
			logger.Info("Registration pending approval (candidate: %s)", manager.CandidateID())
			return nil
		}

	case models.RegistrationPending:
		candidateID := manager.CandidateID()
		if candidateID == "" {
			// Resuming after a restart: the candidate ID is not persisted,
			// so look it up by upkeep name.
			var err error
			candidateID, err = registrar.PendingCandidate(ctx, cfg.Keeper.UpkeepName)
			if err != nil {
				return fmt.Errorf("failed to look up pending candidate: %w", err)
			}
			if candidateID == "" {
				logger.Debug("No pending candidate available yet")
				return nil
			}
		}
		err := manager.HandlePendingUpkeep(ctx, candidateID)
		if errors.Is(err, upkeep.ErrParamHashMismatch) {
			logger.Warn("Candidate %s does not match registration commitment, still pending", candidateID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to complete registration: %w", err)
		}
	}

	if manager.Status() == models.RegistrationActive {
		logger.Info("Upkeep registration active (forwarder: %s)", manager.Forwarder())
		if telegramClient != nil {
			if err := telegramClient.SendRegistrationActive(cfg.Keeper.UpkeepName, manager.Forwarder()); err != nil {
				logger.Warn("Failed to send registration notification to Telegram: %v", err)
			}
		}
	}
	return nil
}

func runKeeperCycle(
	ctx context.Context,
	engine *oracle.Engine,
	manager *upkeep.Manager,
	registrar *upkeep.Client,
	fundClient *fund.Client,
	monitor *health.Monitor,
	store *storage.Storage,
	telegramClient *telegram.Client,
	cfg *config.Config,
) error {
	startTime := time.Now()
	logger.Debug("Starting keeper cycle")

	if engine.KillSwitch() {
		logger.Warn("Kill switch is active, feed is latched off; skipping update")
		return nil
	}

	if err := ensureRegistration(ctx, manager, registrar, telegramClient, cfg); err != nil {
		return err
	}
	if manager.Status() != models.RegistrationActive {
		logger.Debug("Registration not yet active, skipping sampling")
		return nil
	}

	if monitor != nil {
		// A failed refresh marks the upstream down; the safety gate reacts,
		// the cycle itself keeps going.
		if err := monitor.Refresh(ctx); err != nil {
			logger.Warn("Health refresh failed: %v", err)
		}
	}

	sample, decimals, err := fundClient.CurrentValue(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch share price: %w", err)
	}
	if decimals != cfg.Oracle.Decimals {
		return fmt.Errorf("fund reports %d decimals, oracle configured for %d", decimals, cfg.Oracle.Decimals)
	}

	now := time.Now().Unix()
	needed, proposal := engine.CheckTrigger(now, sample)
	if !needed {
		logger.Debug("No update due (sample: %s)", sample)
		return nil
	}

	event, err := engine.Update(manager.Forwarder(), proposal)
	if errors.Is(err, oracle.ErrTriggerNotMet) || errors.Is(err, oracle.ErrStaleProposal) {
		// Lost a race between CheckTrigger and Update; benign.
		logger.Debug("Proposal no longer eligible: %v", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to commit observation: %w", err)
	}

	if event != nil {
		logger.Error("Anomaly guard tripped the kill switch (answer: %s, baseline: %s [%s], change: %d bps)",
			event.Answer, event.Baseline, event.BaselineKind, event.ChangeBps)
		if err := store.AddAnomaly(event); err != nil {
			logger.Error("Failed to record anomaly event: %v", err)
		}
		if telegramClient != nil {
			if err := telegramClient.SendKillSwitch(event); err != nil {
				logger.Warn("Failed to send kill switch alert to Telegram: %v", err)
			}
		}
	}

	// A nil TWAA (buffer not yet full) prints as "<nil>".
	answer, twaa, notSafe := engine.GetLatest()
	logger.Info("Committed observation (answer: %s, twaa: %s, not_safe: %v, cycle: %v)",
		answer, twaa, notSafe, time.Since(startTime))
	return nil
}

// checkStaleness alerts once when the feed goes stale past heartbeat plus
// grace, and re-arms when it recovers.
func checkStaleness(engine *oracle.Engine, cfg *config.Config, telegramClient *telegram.Client, alerted *bool) {
	snap := engine.Snapshot()
	if snap.LastUpdateTimestamp == 0 {
		return
	}
	age := time.Since(time.Unix(snap.LastUpdateTimestamp, 0))
	if age > cfg.Oracle.Heartbeat+cfg.Oracle.GracePeriod {
		if !*alerted {
			logger.Warn("Feed is stale (age: %v)", age.Round(time.Second))
			if telegramClient != nil {
				if err := telegramClient.SendStale(snap.LastUpdateTimestamp, age); err != nil {
					logger.Warn("Failed to send staleness alert to Telegram: %v", err)
				}
			}
			*alerted = true
		}
	} else {
		*alerted = false
	}
}

// saveCheckpoint merges the registration state into the engine snapshot and
// persists the whole layout in one transaction.
func saveCheckpoint(engine *oracle.Engine, manager *upkeep.Manager, store *storage.Storage) error {
	snap := engine.Snapshot()
	snap.RegistrationStatus = manager.Status()
	snap.PendingCommitment = manager.Commitment()
	return store.SaveSnapshot(snap)
}
