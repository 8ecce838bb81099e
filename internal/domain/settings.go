package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Autonomy levels. A role may execute tasks without approval once its level
// reaches the tenant's execution threshold; tasks generated for a role at
// AutonomyLevelFull are scheduled directly instead of waiting for approval.
const (
	AutonomyLevelOff        = 0
	AutonomyLevelSuggest    = 1
	AutonomyLevelSupervised = 2
	AutonomyLevelFull       = 3
)

// ReasoningMode selects how the autonomous generation cycle talks to the model.
type ReasoningMode string

// Reasoning modes
const (
	ReasoningStructured ReasoningMode = "structured"
	ReasoningDeepThink  ReasoningMode = "deep_think"
)

// WorkWindow is a daily working-hour window on a set of weekdays, evaluated
// in its own timezone. Start and End are "HH:MM"; an empty weekday set means
// every day.
type WorkWindow struct {
	Start    string         `json:"start"`
	End      string         `json:"end"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	Timezone string         `json:"timezone"`
}

// DefaultWorkWindow is Monday to Friday, 09:00 to 18:00 UTC.
func DefaultWorkWindow() WorkWindow {
	return WorkWindow{
		Start:    "09:00",
		End:      "18:00",
		Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Timezone: "UTC",
	}
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidWorkWindow, s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidWorkWindow, s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidWorkWindow, s)
	}
	return hh*60 + mm, nil
}

// Validate checks the window bounds and timezone.
func (w WorkWindow) Validate() error {
	start, err := parseClock(w.Start)
	if err != nil {
		return err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidWorkWindow, w.Start, w.End)
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidWorkWindow, w.Timezone)
	}
	return nil
}

// Location returns the window's timezone, falling back to UTC.
func (w WorkWindow) Location() *time.Location {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (w WorkWindow) dayAllowed(d time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}
	for _, wd := range w.Weekdays {
		if wd == d {
			return true
		}
	}
	return false
}

// Contains reports whether t falls inside the window. A malformed window
// never contains anything.
func (w WorkWindow) Contains(t time.Time) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	local := t.In(w.Location())
	if !w.dayAllowed(local.Weekday()) {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute < end
}

// NextOpening returns t if the window is open, otherwise the next time it
// opens. The zero time is returned when the window never opens.
func (w WorkWindow) NextOpening(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return time.Time{}
	}
	loc := w.Location()
	local := t.In(loc)
	for d := 0; d <= 7; d++ {
		day := local.AddDate(0, 0, d)
		open := time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, loc)
		if open.After(t) && w.dayAllowed(open.Weekday()) {
			return open.UTC()
		}
	}
	return time.Time{}
}

// NextMidnight returns the start of the day after t in loc.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).UTC()
}

// StartOfDay returns local midnight of the day containing t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
}

// Persona is a named autonomous agent profile. Optional fields override the
// tenant-wide settings for that role.
type Persona struct {
	Role               string      `json:"role"`
	Enabled            bool        `json:"enabled"`
	Channel            Channel     `json:"channel"`
	AutonomyLevel      *int        `json:"autonomy_level,omitempty"`
	Hours              *WorkWindow `json:"hours,omitempty"`
	Categories         []string    `json:"categories,omitempty"`
	MinIntervalMinutes int         `json:"min_interval_minutes"`
	Brief              string      `json:"brief,omitempty"`
	LastRunAt          *time.Time  `json:"last_run_at,omitempty"`
}

// DueForRun reports whether the persona's minimum generation interval has
// elapsed since its last run.
func (p Persona) DueForRun(now time.Time) bool {
	if p.LastRunAt == nil || p.MinIntervalMinutes <= 0 {
		return true
	}
	return !now.Before(p.LastRunAt.Add(time.Duration(p.MinIntervalMinutes) * time.Minute))
}

// AutonomySettings holds the per-tenant rules that gate autonomous work.
type AutonomySettings struct {
	TenantID           uuid.UUID     `json:"tenant_id"`
	Active             bool          `json:"active"`
	AutonomyLevel      int           `json:"autonomy_level"`
	ExecutionThreshold int           `json:"execution_threshold"`
	Hours              WorkWindow    `json:"hours"`
	EnabledChannels    []Channel     `json:"enabled_channels"`
	DailyCaps          map[Quota]int `json:"daily_caps"`
	AllowedCategories  []string      `json:"allowed_categories,omitempty"`
	Instructions       string        `json:"instructions,omitempty"`
	ReasoningMode      ReasoningMode `json:"reasoning_mode"`
	Personas           []Persona     `json:"personas,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// DefaultAutonomySettings returns conservative settings for a new tenant:
// active, supervised, every channel enabled with modest caps.
func DefaultAutonomySettings(tenantID uuid.UUID) AutonomySettings {
	return AutonomySettings{
		TenantID:           tenantID,
		Active:             true,
		AutonomyLevel:      AutonomyLevelSupervised,
		ExecutionThreshold: AutonomyLevelSupervised,
		Hours:              DefaultWorkWindow(),
		EnabledChannels:    []Channel{ChannelVoice, ChannelEmail, ChannelMessaging},
		DailyCaps: map[Quota]int{
			QuotaCalls:    10,
			QuotaEmails:   50,
			QuotaMessages: 50,
			QuotaAnalyses: 100,
		},
		ReasoningMode: ReasoningStructured,
	}
}

// Validate checks the settings are usable.
func (s AutonomySettings) Validate() error {
	if s.TenantID == uuid.Nil {
		return ErrInvalidID
	}
	if s.AutonomyLevel < AutonomyLevelOff || s.AutonomyLevel > AutonomyLevelFull {
		return fmt.Errorf("%w: autonomy level %d", ErrValidation, s.AutonomyLevel)
	}
	if err := s.Hours.Validate(); err != nil {
		return err
	}
	for _, c := range s.EnabledChannels {
		if !c.IsValid() || c == ChannelNone {
			return fmt.Errorf("%w: %q", ErrInvalidChannel, c)
		}
	}
	for _, p := range s.Personas {
		if strings.TrimSpace(p.Role) == "" {
			return fmt.Errorf("%w: persona without role", ErrValidation)
		}
		if p.Hours != nil {
			if err := p.Hours.Validate(); err != nil {
				return fmt.Errorf("persona %s: %w", p.Role, err)
			}
		}
	}
	return nil
}

// ChannelEnabled reports whether the tenant may use c. ChannelNone is always
// enabled.
func (s AutonomySettings) ChannelEnabled(c Channel) bool {
	if c == ChannelNone {
		return true
	}
	for _, e := range s.EnabledChannels {
		if e == c {
			return true
		}
	}
	return false
}

// CategoryAllowed reports whether tasks of the category may be created. An
// empty allow-list permits every category.
func (s AutonomySettings) CategoryAllowed(category string) bool {
	if len(s.AllowedCategories) == 0 {
		return true
	}
	for _, c := range s.AllowedCategories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// Cap returns the daily cap for q. Zero or negative means uncapped.
func (s AutonomySettings) Cap(q Quota) int {
	return s.DailyCaps[q]
}

// Persona returns the persona for role.
func (s AutonomySettings) Persona(role string) (Persona, bool) {
	for _, p := range s.Personas {
		if strings.EqualFold(p.Role, role) {
			return p, true
		}
	}
	return Persona{}, false
}

// LevelFor returns the autonomy level that applies to role.
func (s AutonomySettings) LevelFor(role string) int {
	if p, ok := s.Persona(role); ok && p.AutonomyLevel != nil {
		return *p.AutonomyLevel
	}
	return s.AutonomyLevel
}

// WindowFor returns the working-hour window that applies to role.
func (s AutonomySettings) WindowFor(role string) WorkWindow {
	if p, ok := s.Persona(role); ok && p.Hours != nil {
		return *p.Hours
	}
	return s.Hours
}

// InitialStatus is the status given to a generated task for role: scheduled
// under full autonomy, otherwise waiting for approval.
func (s AutonomySettings) InitialStatus(role string) TaskStatus {
	if s.LevelFor(role) >= AutonomyLevelFull {
		return TaskStatusScheduled
	}
	return TaskStatusWaitingApproval
}
