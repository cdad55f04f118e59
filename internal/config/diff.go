package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names changed settings that only take effect after a
	// restart, using their YAML paths.
	RestartRequired []string
}

// Diff compares old and new configs. Only the log level can be applied on
// the fly; every other observed change is listed in RestartRequired.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(changed bool, path string) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart(old.Server.ListenAddr != new.Server.ListenAddr, "server.listen_addr")
	restart(old.Channel != new.Channel, "channel")
	restart(old.Session != new.Session, "session")
	restart(old.Analyzer != new.Analyzer, "analyzer")
	restart(old.History != new.History, "history")
	restart(old.Telemetry != new.Telemetry, "telemetry")
	return d
}
