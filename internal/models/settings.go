package models

import (
	"fmt"
	"strings"
	"time"
)

// Interval is an open wall-clock window within a day, e.g. 09:00-12:00.
// End may be "24:00" to mean midnight of the following day.
type Interval struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Bounds parses the interval into offsets from local midnight.
func (i Interval) Bounds() (time.Duration, time.Duration, error) {
	start, err := parseClock(i.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("start: %w", err)
	}
	end, err := parseClock(i.End)
	if err != nil {
		return 0, 0, fmt.Errorf("end: %w", err)
	}
	if end <= start {
		return 0, 0, fmt.Errorf("end %s must be after start %s", i.End, i.Start)
	}
	return start, end, nil
}

func parseClock(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "24:00" {
		return 24 * time.Hour, nil
	}
	t, err := time.Parse(ClockLayout, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, expected HH:MM", raw)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// WeeklyRules maps a lowercase weekday name ("monday") to its open intervals.
type WeeklyRules map[string][]Interval

func (w WeeklyRules) For(day time.Weekday) []Interval {
	if w == nil {
		return nil
	}
	return w[strings.ToLower(day.String())]
}

// ParseWeekday accepts full english weekday names in any case.
func ParseWeekday(raw string) (time.Weekday, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return d, true
		}
	}
	return 0, false
}

// DateRange is a half-open [Start, End) span of instants.
type DateRange struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Reason string    `json:"reason,omitempty"`
}

// BookingSettings is a pro's scheduling configuration.
type BookingSettings struct {
	ProID              int64       `json:"pro_id"`
	Weekly             WeeklyRules `json:"weekly"`
	LessonMinutes      int         `json:"lesson_minutes"`
	BufferMinutes      int         `json:"buffer_minutes"`
	MinNoticeMinutes   int         `json:"min_notice_minutes"`
	MaxAdvanceDays     int         `json:"max_advance_days"`
	MaxDurationMinutes int         `json:"max_duration_minutes"`
	Blackouts          []DateRange `json:"blackouts"`
	Timezone           string      `json:"timezone"`
	Active             bool        `json:"active"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Location resolves the pro's timezone, UTC when unset.
func (s BookingSettings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// MaxDuration is the longest lesson a student may request.
func (s BookingSettings) MaxDuration() int {
	if s.MaxDurationMinutes > 0 {
		return s.MaxDurationMinutes
	}
	if s.LessonMinutes > 0 {
		return s.LessonMinutes
	}
	return DefaultLessonMinutes
}

func (s BookingSettings) Horizon() int {
	if s.MaxAdvanceDays > 0 {
		return s.MaxAdvanceDays
	}
	return DefaultMaxAdvanceDays
}

func (s BookingSettings) MinNotice() time.Duration {
	return time.Duration(s.MinNoticeMinutes) * time.Minute
}

func (s BookingSettings) Buffer() time.Duration {
	return time.Duration(s.BufferMinutes) * time.Minute
}

// TimeSlot is a computed candidate window; never persisted.
type TimeSlot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"is_available"`
}
