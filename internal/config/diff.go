package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TutorChanged is set when the success score, media bases, voice or
	// tutor messages differ.
	TutorChanged bool
	NewTutor     TutorConfig

	// RestartRequired lists the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Tutor != new.Tutor {
		d.TutorChanged = true
		d.NewTutor = new.Tutor
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Bots != new.Bots {
		d.RestartRequired = append(d.RestartRequired, "bots")
	}
	if old.Ledger != new.Ledger {
		d.RestartRequired = append(d.RestartRequired, "ledger")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Observe, new.Observe) {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TutorChanged && len(d.RestartRequired) == 0
}
