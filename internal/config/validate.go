package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var deviceIDRegex = regexp.MustCompile(`^DIG[0-9A-F]{11}$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values are clamped to safe defaults; other findings are
// logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.DeviceID != "" && !deviceIDRegex.MatchString(c.DeviceID) {
		errs = append(errs, fmt.Errorf("device_id %q does not match the DIG+hex format", c.DeviceID))
	}

	if c.PlayerID < 0 {
		errs = append(errs, fmt.Errorf("player_id %d is negative, clearing", c.PlayerID))
		c.PlayerID = 0
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.APIPrefix != "" && !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("api_prefix %q must start with /, fixing", c.APIPrefix))
		c.APIPrefix = "/" + c.APIPrefix
	}

	// Clamp intervals to a safe range
	if c.HeartbeatIntervalSeconds < 5 {
		errs = append(errs, fmt.Errorf("heartbeat_interval_seconds %d is below minimum 5, clamping", c.HeartbeatIntervalSeconds))
		c.HeartbeatIntervalSeconds = 5
	} else if c.HeartbeatIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("heartbeat_interval_seconds %d exceeds maximum 3600, clamping", c.HeartbeatIntervalSeconds))
		c.HeartbeatIntervalSeconds = 3600
	}

	if c.ProbeIntervalSeconds < 2 {
		errs = append(errs, fmt.Errorf("probe_interval_seconds %d is below minimum 2, clamping", c.ProbeIntervalSeconds))
		c.ProbeIntervalSeconds = 2
	} else if c.ProbeIntervalSeconds > 600 {
		errs = append(errs, fmt.Errorf("probe_interval_seconds %d exceeds maximum 600, clamping", c.ProbeIntervalSeconds))
		c.ProbeIntervalSeconds = 600
	}

	if c.FallbackGraceProbes < 1 {
		errs = append(errs, fmt.Errorf("fallback_grace_probes %d is below minimum 1, clamping", c.FallbackGraceProbes))
		c.FallbackGraceProbes = 1
	} else if c.FallbackGraceProbes > 100 {
		errs = append(errs, fmt.Errorf("fallback_grace_probes %d exceeds maximum 100, clamping", c.FallbackGraceProbes))
		c.FallbackGraceProbes = 100
	}

	if c.MaxConcurrentDownloads < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_downloads %d is below minimum 1, clamping", c.MaxConcurrentDownloads))
		c.MaxConcurrentDownloads = 1
	} else if c.MaxConcurrentDownloads > 32 {
		errs = append(errs, fmt.Errorf("max_concurrent_downloads %d exceeds maximum 32, clamping", c.MaxConcurrentDownloads))
		c.MaxConcurrentDownloads = 32
	}

	if c.PortalPort < 1 || c.PortalPort > 65535 {
		errs = append(errs, fmt.Errorf("portal_port %d is out of range, resetting to 8080", c.PortalPort))
		c.PortalPort = 8080
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		log.Warn("config validation", "error", err)
	}

	return errs
}
