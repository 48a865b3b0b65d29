package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validPageSizes = map[int]bool{10: true, 25: true, 50: true, 100: true}

var validBackends = map[string]bool{
	"file": true, "bolt": true, "s3": true, "gcs": true, "azure": true, "b2": true,
}

// ValidationResult separates problems that must stop startup from those that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// Validate returns every problem found, fatal or not, logging each one.
func (c *Config) Validate() []error {
	res := c.ValidateTiered()
	all := append(append([]error(nil), res.Fatals...), res.Warnings...)
	for _, err := range res.Fatals {
		log.Error("config validation", "error", err)
	}
	for _, err := range res.Warnings {
		log.Warn("config validation", "error", err)
	}
	return all
}

// ValidateTiered checks the config. Out-of-range values that have a safe
// substitute are clamped and reported as warnings; everything the watcher
// cannot run without is fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	token := strings.TrimSpace(c.Discord.Token)
	if token == "" {
		fatal("discord.token is required (set DISCORD_TOKEN)")
	} else {
		for _, ch := range token {
			if unicode.IsControl(ch) || unicode.IsSpace(ch) {
				fatal("discord.token contains control or whitespace characters")
				break
			}
		}
	}
	c.Discord.Token = token

	if c.GroupID <= 0 {
		fatal("group_id %d must be positive", c.GroupID)
	}
	if _, err := strconv.ParseUint(c.TargetPlaceID, 10, 64); err != nil {
		fatal("target_place_id %q must be a numeric place id", c.TargetPlaceID)
	}

	for key, raw := range map[string]string{
		"roblox.groups_url":   c.Roblox.GroupsURL,
		"roblox.presence_url": c.Roblox.PresenceURL,
		"roblox.users_url":    c.Roblox.UsersURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			fatal("%s %q is not a valid URL: %w", key, raw, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			fatal("%s scheme must be http or https, got %q", key, u.Scheme)
		}
	}

	c.validateState(fatal)

	if c.MinRank < 0 {
		warn("min_rank %d is below minimum 0, clamping", c.MinRank)
		c.MinRank = 0
	} else if c.MinRank > 255 {
		warn("min_rank %d exceeds maximum 255, clamping", c.MinRank)
		c.MinRank = 255
	}

	c.PollInterval = clampDuration(warn, "poll_interval", c.PollInterval, 2*time.Second, 10*time.Minute)
	c.RosterRefreshInterval = clampDuration(warn, "roster_refresh_interval", c.RosterRefreshInterval, time.Minute, 24*time.Hour)
	c.Roster.EmptyRetryDelay = clampDuration(warn, "roster.empty_retry_delay", c.Roster.EmptyRetryDelay, 5*time.Second, 10*time.Minute)
	c.HTTP.Timeout = clampDuration(warn, "http.timeout", c.HTTP.Timeout, time.Second, 2*time.Minute)
	c.Roblox.InitialDelay = clampDuration(warn, "roblox.initial_delay", c.Roblox.InitialDelay, 100*time.Millisecond, time.Minute)
	c.Roblox.MaxDelay = clampDuration(warn, "roblox.max_delay", c.Roblox.MaxDelay, c.Roblox.InitialDelay, 5*time.Minute)

	if !validPageSizes[c.Roster.PageSize] {
		warn("roster.page_size %d is not one of 10, 25, 50, 100, using 100", c.Roster.PageSize)
		c.Roster.PageSize = 100
	}

	if c.Panel.MaxNames < 1 {
		warn("panel.max_names %d is below minimum 1, clamping", c.Panel.MaxNames)
		c.Panel.MaxNames = 1
	} else if c.Panel.MaxNames > 100 {
		warn("panel.max_names %d exceeds maximum 100, clamping", c.Panel.MaxNames)
		c.Panel.MaxNames = 100
	}
	if strings.TrimSpace(c.Panel.Title) == "" {
		warn("panel.title is empty, using default")
		c.Panel.Title = Default().Panel.Title
	}

	if c.Roblox.MaxAttempts < 1 {
		warn("roblox.max_attempts %d is below minimum 1, clamping", c.Roblox.MaxAttempts)
		c.Roblox.MaxAttempts = 1
	} else if c.Roblox.MaxAttempts > 10 {
		warn("roblox.max_attempts %d exceeds maximum 10, clamping", c.Roblox.MaxAttempts)
		c.Roblox.MaxAttempts = 10
	}
	if c.Roblox.RequestsPerSecond < 0 {
		warn("roblox.requests_per_second %v is negative, disabling the limiter", c.Roblox.RequestsPerSecond)
		c.Roblox.RequestsPerSecond = 0
	}

	if c.Timezone != "" && c.Timezone != "UTC" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			warn("timezone %q is not a known zone, panel stamps will use UTC", c.Timezone)
		}
	}

	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		warn("log.level %q is not valid (use debug, info, warn, error), using info", c.Log.Level)
		c.Log.Level = "info"
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		warn("log.format %q is not valid (use text or json), using text", c.Log.Format)
		c.Log.Format = "text"
	}

	return r
}

func (c *Config) validateState(fatal func(string, ...any)) {
	backend := strings.ToLower(c.State.Backend)
	if backend == "" {
		backend = "file"
	}
	if !validBackends[backend] {
		fatal("state.backend %q is not one of file, bolt, s3, gcs, azure, b2", c.State.Backend)
		return
	}
	c.State.Backend = backend

	var missing []string
	switch backend {
	case "s3":
		if c.State.S3.Bucket == "" {
			missing = append(missing, "state.s3.bucket")
		}
		if c.State.S3.Region == "" {
			missing = append(missing, "state.s3.region")
		}
		if (c.State.S3.AccessKeyID == "") != (c.State.S3.SecretAccessKey == "") {
			missing = append(missing, "state.s3.access_key_id and state.s3.secret_access_key together")
		}
	case "gcs":
		if c.State.GCS.Bucket == "" {
			missing = append(missing, "state.gcs.bucket")
		}
	case "azure":
		if c.State.Azure.ConnectionString == "" {
			missing = append(missing, "state.azure.connection_string")
		}
		if c.State.Azure.Container == "" {
			missing = append(missing, "state.azure.container")
		}
	case "b2":
		if c.State.B2.AccountID == "" {
			missing = append(missing, "state.b2.account_id")
		}
		if c.State.B2.ApplicationKey == "" {
			missing = append(missing, "state.b2.application_key")
		}
		if c.State.B2.Bucket == "" {
			missing = append(missing, "state.b2.bucket")
		}
	}
	if len(missing) > 0 {
		fatal("state backend %s requires %s", backend, strings.Join(missing, ", "))
	}
}

func clampDuration(warn func(string, ...any), key string, d, min, max time.Duration) time.Duration {
	if d < min {
		warn("%s %s is below minimum %s, clamping", key, d, min)
		return min
	}
	if d > max {
		warn("%s %s exceeds maximum %s, clamping", key, d, max)
		return max
	}
	return d
}

// ErrInvalid wraps the fatal validation errors returned by MustValidate.
var ErrInvalid = errors.New("invalid configuration")

// MustValidate logs warnings and returns an ErrInvalid-wrapped error when
// any fatal problem remains.
func (c *Config) MustValidate() error {
	res := c.ValidateTiered()
	for _, err := range res.Warnings {
		log.Warn("config validation", "error", err)
	}
	if res.HasFatals() {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(res.Fatals...))
	}
	return nil
}
