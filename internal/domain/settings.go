package domain

import (
	"fmt"
	"time"
)

// MatchMode controls how enabled matching predicates are combined.
type MatchMode string

const (
	MatchAll MatchMode = "all"
	MatchAny MatchMode = "any"
)

// TitleMatchMode controls how the job-title predicate compares titles.
type TitleMatchMode string

const (
	TitleExact    TitleMatchMode = "exact"
	TitleContains TitleMatchMode = "contains"
)

// Filter names a matching predicate.
type Filter string

const (
	FilterCountries Filter = "countries"
	FilterCities    Filter = "cities"
	FilterJobTitle  Filter = "jobTitle"
)

// AllFilters is the filter set used when none are configured.
var AllFilters = []Filter{FilterCountries, FilterCities, FilterJobTitle}

// MatchingCriteria configures offer selection for a client.
type MatchingCriteria struct {
	MatchMode         MatchMode      `json:"match_mode"`
	EnabledFilters    []Filter       `json:"enabled_filters"`
	JobTitleMatchMode TitleMatchMode `json:"job_title_match_mode"`
}

// Enabled reports whether filter f participates in matching.
func (c MatchingCriteria) Enabled(f Filter) bool {
	if len(c.EnabledFilters) == 0 {
		return true
	}
	for _, e := range c.EnabledFilters {
		if e == f {
			return true
		}
	}
	return false
}

// SendSettings is the per-client dispatch configuration.
type SendSettings struct {
	ClientID             string           `json:"client_id" db:"client_id"`
	Active               bool             `json:"active" db:"active"`
	WarmupEnabled        bool             `json:"warmup_enabled" db:"warmup_enabled"`
	MinDailyEmails       int              `json:"min_daily_emails" db:"min_daily_emails"`
	MaxDailyEmails       int              `json:"max_daily_emails" db:"max_daily_emails"`
	CurrentDailyLimit    int              `json:"current_daily_limit" db:"current_daily_limit"`
	TargetDailyLimit     int              `json:"target_daily_limit" db:"target_daily_limit"`
	WarmupDailyIncrement int              `json:"warmup_daily_increment" db:"warmup_daily_increment"`
	LastWarmupDate       *time.Time       `json:"last_warmup_date" db:"last_warmup_date"`
	PreviewEnabled       bool             `json:"preview_enabled" db:"preview_enabled"`
	Criteria             MatchingCriteria `json:"criteria" db:"criteria"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
}

// PacingPolicy is the process-wide pacing configuration. It is loaded
// explicitly and passed to the pacing scheduler on every invocation.
type PacingPolicy struct {
	Enabled         bool   `json:"enabled" db:"enabled"`
	StartHour       *int   `json:"start_hour" db:"start_hour"`
	EndHour         *int   `json:"end_hour" db:"end_hour"`
	MinDelayMinutes int    `json:"min_delay_minutes" db:"min_delay_minutes"`
	MaxDelayMinutes int    `json:"max_delay_minutes" db:"max_delay_minutes"`
	Timezone        string `json:"timezone" db:"timezone"`
}

// HasWindow reports whether both window bounds are set.
func (p PacingPolicy) HasWindow() bool {
	return p.StartHour != nil && p.EndHour != nil
}

// Validate checks the policy's internal consistency.
func (p PacingPolicy) Validate() error {
	if p.MinDelayMinutes < 0 || p.MaxDelayMinutes < 0 {
		return fmt.Errorf("pacing: delays must be non-negative")
	}
	if p.MinDelayMinutes > p.MaxDelayMinutes {
		return fmt.Errorf("pacing: min delay %d exceeds max delay %d", p.MinDelayMinutes, p.MaxDelayMinutes)
	}
	if p.HasWindow() {
		start, end := *p.StartHour, *p.EndHour
		if start < 0 || end > 24 || start >= end {
			return fmt.Errorf("pacing: invalid window [%d,%d)", start, end)
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("pacing: timezone %q: %w", p.Timezone, err)
		}
	}
	return nil
}

// Location resolves the policy timezone, defaulting to UTC.
func (p PacingPolicy) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
