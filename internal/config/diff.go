package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: log verbosity and
// the status-propagation tunables. Server address, TLS, database, and bot
// gateway changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StatusChanged is true when any status tunable changed. New sessions
	// pick the new values up; running sessions keep the old ones.
	StatusChanged bool
	NewStatus     StatusConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Status != new.Status {
		d.StatusChanged = true
		d.NewStatus = new.Status
	}

	return d
}
