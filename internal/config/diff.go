package config

import "maps"

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when any default voice setting changed.
	VoiceChanged bool

	// RestartRequired lists top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VoiceSettings() != new.VoiceSettings() {
		d.VoiceChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server.trace_sample_ratio")
	}
	if old.Voice.Microphone != new.Voice.Microphone || old.Voice.Playback != new.Voice.Playback {
		d.RestartRequired = append(d.RestartRequired, "voice.devices")
	}
	if !sameEntries(old.Recognition.Variants, new.Recognition.Variants) {
		d.RestartRequired = append(d.RestartRequired, "recognition")
	}
	if !sameEntry(old.Synthesis, new.Synthesis) {
		d.RestartRequired = append(d.RestartRequired, "synthesis")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Queue.Key != new.Queue.Key || old.Queue.Policy != new.Queue.Policy ||
		old.Queue.Sink.Endpoint != new.Queue.Sink.Endpoint || old.Queue.Sink.Timeout != new.Queue.Sink.Timeout ||
		!maps.Equal(old.Queue.Sink.Headers, new.Queue.Sink.Headers) {
		d.RestartRequired = append(d.RestartRequired, "queue")
	}
	if old.Connectivity != new.Connectivity {
		d.RestartRequired = append(d.RestartRequired, "connectivity")
	}
	return d
}

// sameEntry compares the scalar fields of two entries. Options are
// compared by key count only; nested values are engine specific.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && len(a.Options) == len(b.Options)
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}
