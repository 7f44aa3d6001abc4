package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (addresses, provider wiring, memory stores) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonaChanged bool
	NewPersona     string

	AllowlistChanged bool
	NewAllowlist     []string
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.AllowlistChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Logging.Level != new.Logging.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Logging.Level
	}

	if old.Persona.SystemPrompt != new.Persona.SystemPrompt {
		d.PersonaChanged = true
		d.NewPersona = new.Persona.SystemPrompt
	}

	if !slices.Equal(old.MCP.ToolAllowlist, new.MCP.ToolAllowlist) {
		d.AllowlistChanged = true
		d.NewAllowlist = slices.Clone(new.MCP.ToolAllowlist)
	}

	return d
}
