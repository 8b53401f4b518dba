package oracle

import "errors"

var (
	// ErrStaleProposal indicates a proposal timestamped at or before the
	// last committed observation. Replays of already-committed proposals
	// land here, which is what makes Update idempotent.
	ErrStaleProposal = errors.New("stale proposal: timestamp at or before last committed observation")

	// ErrFutureProposal indicates a proposal timestamped after the current
	// clock reading.
	ErrFutureProposal = errors.New("future proposal: timestamp is ahead of the clock")

	// ErrTriggerNotMet indicates the trigger condition no longer held at
	// commit time, typically after a race with another successful update.
	ErrTriggerNotMet = errors.New("trigger condition no longer holds at commit time")

	// ErrUnauthorized indicates the caller is not the bound scheduler
	// identity.
	ErrUnauthorized = errors.New("caller is not the bound scheduler identity")

	// ErrKillSwitchActive indicates the one-way anomaly latch has tripped.
	// Nothing clears it; recovery means provisioning a fresh instance.
	ErrKillSwitchActive = errors.New("kill switch is active")
)
