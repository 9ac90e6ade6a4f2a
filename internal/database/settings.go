package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"probooking/internal/models"
)

func (s queries) GetSettings(ctx context.Context, proID int64) (*models.BookingSettings, error) {
	query := `SELECT pro_id, weekly, lesson_minutes, buffer_minutes, min_notice_minutes,
	                 max_advance_days, max_duration_minutes, blackouts, timezone, active,
	                 created_at, updated_at
              FROM booking_settings WHERE pro_id = ?`

	var (
		settings  models.BookingSettings
		weekly    string
		blackouts string
	)
	err := s.q.QueryRowContext(ctx, query, proID).Scan(
		&settings.ProID, &weekly, &settings.LessonMinutes, &settings.BufferMinutes,
		&settings.MinNoticeMinutes, &settings.MaxAdvanceDays, &settings.MaxDurationMinutes,
		&blackouts, &settings.Timezone, &settings.Active, &settings.CreatedAt, &settings.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	if err := json.Unmarshal([]byte(weekly), &settings.Weekly); err != nil {
		return nil, fmt.Errorf("failed to decode weekly rules for pro %d: %w", proID, err)
	}
	if err := json.Unmarshal([]byte(blackouts), &settings.Blackouts); err != nil {
		return nil, fmt.Errorf("failed to decode blackouts for pro %d: %w", proID, err)
	}
	return &settings, nil
}

// UpsertSettings replaces a pro's settings, keeping the original created_at.
func (s queries) UpsertSettings(ctx context.Context, settings *models.BookingSettings) error {
	weekly, err := json.Marshal(settings.Weekly)
	if err != nil {
		return fmt.Errorf("failed to encode weekly rules: %w", err)
	}
	blackouts := settings.Blackouts
	if blackouts == nil {
		blackouts = []models.DateRange{}
	}
	blackoutsRaw, err := json.Marshal(blackouts)
	if err != nil {
		return fmt.Errorf("failed to encode blackouts: %w", err)
	}

	now := time.Now().UTC()
	query := `INSERT INTO booking_settings (
				pro_id, weekly, lesson_minutes, buffer_minutes, min_notice_minutes,
				max_advance_days, max_duration_minutes, blackouts, timezone, active,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(pro_id) DO UPDATE SET
				weekly = excluded.weekly,
				lesson_minutes = excluded.lesson_minutes,
				buffer_minutes = excluded.buffer_minutes,
				min_notice_minutes = excluded.min_notice_minutes,
				max_advance_days = excluded.max_advance_days,
				max_duration_minutes = excluded.max_duration_minutes,
				blackouts = excluded.blackouts,
				timezone = excluded.timezone,
				active = excluded.active,
				updated_at = excluded.updated_at`

	_, err = s.q.ExecContext(ctx, query,
		settings.ProID,
		string(weekly),
		settings.LessonMinutes,
		settings.BufferMinutes,
		settings.MinNoticeMinutes,
		settings.MaxAdvanceDays,
		settings.MaxDurationMinutes,
		string(blackoutsRaw),
		settings.Timezone,
		settings.Active,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}

	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = now
	return nil
}
