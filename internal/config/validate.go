package config

import (
	"fmt"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validNoticePolicies = map[string]bool{
	"always":                       true,
	"suppress_selection_qualified": true,
}

// ValidationResult splits validation failures by severity: Fatals block
// startup, Warnings are logged and the (possibly clamped) config is used
// anyway.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings, for callers that don't
// care about severity.
func (r *ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// ValidateTiered checks the config and clamps dangerous zero/out-of-range
// values to safe defaults in place. A malformed server address or port is
// fatal (the CLI cannot dial); everything else is a warning.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(c.ServerAddress) == "" {
		r.fatal("server_address must not be empty")
	}

	if c.ServerPort < 0 || c.ServerPort > 65535 {
		r.fatal("server_port %d is out of range (0-65535)", c.ServerPort)
	}

	for _, rn := range c.Password {
		if unicode.IsControl(rn) {
			r.warn("password contains control characters")
			break
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn("log_level %q is not valid (use debug, info, warn, error), defaulting to info", c.LogLevel)
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn("log_format %q is not valid (use text or json), defaulting to text", c.LogFormat)
		c.LogFormat = "text"
	}

	if c.ClipboardSelectionNotice == "" {
		c.ClipboardSelectionNotice = "always"
	} else if !validNoticePolicies[c.ClipboardSelectionNotice] {
		r.warn("clipboard_selection_notice %q is not valid (use always or suppress_selection_qualified), defaulting to always", c.ClipboardSelectionNotice)
		c.ClipboardSelectionNotice = "always"
	}

	return r
}
