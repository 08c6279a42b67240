package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	PhoneticChanged bool
	NewPhonetic     bool

	// VoiceRestartRequired is set when the recognizer must be reopened
	// (language or max_alternatives changed).
	VoiceRestartRequired bool
}

// Empty reports whether d carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdChanged && !d.PhoneticChanged && !d.VoiceRestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.ConfidenceThreshold != new.Voice.ConfidenceThreshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.Voice.ConfidenceThreshold
	}
	if old.Voice.PhoneticFallback != new.Voice.PhoneticFallback {
		d.PhoneticChanged = true
		d.NewPhonetic = new.Voice.PhoneticFallback
	}
	if old.Voice.Language != new.Voice.Language || old.Voice.MaxAlternatives != new.Voice.MaxAlternatives {
		d.VoiceRestartRequired = true
	}
	return d
}
