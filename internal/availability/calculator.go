// Package availability derives bookable lesson windows from a pro's settings.
// Everything here is a pure function of its inputs.
package availability

import (
	"fmt"
	"time"

	"probooking/internal/apperrors"
	"probooking/internal/models"
)

// ComputeSlots returns the ordered candidate windows for the calendar day of date.
//
// The day's weekly intervals are merged, blackouts are cut out, and everything before
// now plus the minimum notice (rounded up to the minute) is cut out as well. Each
// remaining interval is then tiled with back-to-back windows of durationMinutes separated
// by the configured buffer, dropping any trailing remainder shorter than the duration.
// Every returned slot is marked available; live bookings are applied by the conflict package.
func ComputeSlots(settings models.BookingSettings, date time.Time, durationMinutes int, now time.Time) ([]models.TimeSlot, error) {
	if durationMinutes <= 0 {
		return nil, apperrors.InvalidArgument("duration", "must be positive")
	}
	if durationMinutes > settings.MaxDuration() {
		return nil, apperrors.InvalidArgument("duration", fmt.Sprintf("must not exceed %d minutes", settings.MaxDuration()))
	}

	loc, err := settings.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone %q: %w", settings.Timezone, err)
	}

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	if err := checkHorizon(settings, day, now.In(loc)); err != nil {
		return nil, err
	}

	open, err := dayIntervals(settings, day)
	if err != nil {
		return nil, err
	}

	for _, b := range settings.Blackouts {
		open = subtract(open, span{start: b.Start, end: b.End})
	}

	earliest := now.Add(settings.MinNotice())
	if rounded := earliest.Truncate(time.Minute); rounded.Before(earliest) {
		earliest = rounded.Add(time.Minute)
	}
	open = subtract(open, span{start: day.AddDate(0, 0, -1), end: earliest})

	duration := time.Duration(durationMinutes) * time.Minute
	step := duration + settings.Buffer()

	slots := make([]models.TimeSlot, 0)
	var lastEnd time.Time
	for _, interval := range open {
		first := interval.start
		// the buffer also separates windows split apart by a blackout
		if !lastEnd.IsZero() && first.Before(lastEnd.Add(settings.Buffer())) {
			first = lastEnd.Add(settings.Buffer())
		}
		for start := first; !start.Add(duration).After(interval.end); start = start.Add(step) {
			lastEnd = start.Add(duration)
			slots = append(slots, models.TimeSlot{
				Start:     start,
				End:       lastEnd,
				Available: true,
			})
		}
	}

	return slots, nil
}

// checkHorizon rejects days before yesterday or beyond the pro's advance window.
func checkHorizon(settings models.BookingSettings, day, localNow time.Time) error {
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, localNow.Location())

	if day.Before(today.Add(-models.DefaultDateGrace)) {
		return apperrors.InvalidArgument("date", "is in the past")
	}
	last := today.AddDate(0, 0, settings.Horizon())
	if day.After(last) {
		return apperrors.InvalidArgument("date", fmt.Sprintf("is beyond the %d day booking horizon", settings.Horizon()))
	}
	return nil
}

// dayIntervals resolves the weekly rules into concrete instants on day.
func dayIntervals(settings models.BookingSettings, day time.Time) ([]span, error) {
	rules := settings.Weekly.For(day.Weekday())
	spans := make([]span, 0, len(rules))
	for _, rule := range rules {
		from, to, err := rule.Bounds()
		if err != nil {
			return nil, fmt.Errorf("weekly rule for %s: %w", day.Weekday(), err)
		}
		s := span{start: wallClock(day, from), end: wallClock(day, to)}
		if !s.empty() {
			spans = append(spans, s)
		}
	}
	return merge(spans), nil
}

// wallClock builds the instant for a clock offset on day, honouring DST shifts.
func wallClock(day time.Time, offset time.Duration) time.Time {
	hours := int(offset / time.Hour)
	minutes := int((offset % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), hours, minutes, 0, 0, day.Location())
}
