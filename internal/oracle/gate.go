package oracle

// notSafe combines buffer fullness, staleness, the kill switch, and
// upstream health into the single flag every public read routes through.
// Callers hold at least a read lock.
func (e *Engine) notSafe(now int64) bool {
	if e.killSwitch {
		return true
	}
	if e.filled < e.config.ObservationsToUse {
		return true
	}
	if now-e.lastUpdateTimestamp > e.config.Heartbeat+e.config.GracePeriod {
		return true
	}
	if e.health != nil {
		up, since := e.health.Report()
		if !up {
			return true
		}
		// Recently recovered upstream: require a full grace period of
		// continuous uptime before trusting reads again.
		if now-since < e.config.GracePeriod {
			return true
		}
	}
	return false
}
