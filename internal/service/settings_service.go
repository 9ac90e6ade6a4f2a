package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"probooking/internal/apperrors"
	"probooking/internal/models"

	"github.com/rs/zerolog"
)

type SettingsService struct {
	*Core
	logger *zerolog.Logger
}

func NewSettingsService(core *Core) *SettingsService {
	l := core.logger.With().Str("component", "settings_service").Logger()
	return &SettingsService{Core: core, logger: &l}
}

func canManageSettings(proID int64, actor models.Actor) bool {
	return actor.IsAdmin() || (actor.Role == models.RolePro && actor.ID == proID)
}

func (s *SettingsService) GetSettings(ctx context.Context, proID int64, actor models.Actor) (*models.BookingSettings, error) {
	if !canManageSettings(proID, actor) {
		return nil, apperrors.Unauthorized("only the pro or an admin may read settings")
	}
	settings, err := s.store.GetSettings(ctx, proID)
	if err != nil {
		return nil, storageError(err, "pro", proID)
	}
	return settings, nil
}

// UpdateSettings validates and stores the pro's scheduling configuration.
func (s *SettingsService) UpdateSettings(ctx context.Context, proID int64, settings *models.BookingSettings, actor models.Actor) (*models.BookingSettings, error) {
	if !canManageSettings(proID, actor) {
		return nil, apperrors.Unauthorized("only the pro or an admin may change settings")
	}
	if settings == nil {
		return nil, apperrors.InvalidArgument("settings", "required")
	}

	settings.ProID = proID
	if settings.Timezone == "" {
		settings.Timezone = "UTC"
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	settings.Weekly = normalizeWeekly(settings.Weekly)

	if err := s.store.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("save settings for pro %d: %w", proID, err)
	}

	s.logger.Info().
		Int64("pro_id", proID).
		Str("actor_role", string(actor.Role)).
		Bool("active", settings.Active).
		Msg("Booking settings updated")

	return s.GetSettings(ctx, proID, actor)
}

// ValidateSettings checks every field a calculator run depends on.
func ValidateSettings(settings *models.BookingSettings) error {
	switch {
	case settings.LessonMinutes <= 0:
		return apperrors.InvalidArgument("lesson_minutes", "must be positive")
	case settings.BufferMinutes < 0:
		return apperrors.InvalidArgument("buffer_minutes", "must not be negative")
	case settings.MinNoticeMinutes < 0:
		return apperrors.InvalidArgument("min_notice_minutes", "must not be negative")
	case settings.MaxAdvanceDays < 0:
		return apperrors.InvalidArgument("max_advance_days", "must not be negative")
	case settings.MaxDurationMinutes < 0:
		return apperrors.InvalidArgument("max_duration_minutes", "must not be negative")
	case settings.MaxDurationMinutes > 0 && settings.MaxDurationMinutes < settings.LessonMinutes:
		return apperrors.InvalidArgument("max_duration_minutes", "must not be shorter than lesson_minutes")
	}

	if _, err := time.LoadLocation(settings.Timezone); err != nil {
		return apperrors.InvalidArgument("timezone", fmt.Sprintf("unknown timezone %q", settings.Timezone))
	}

	for day, intervals := range settings.Weekly {
		if _, ok := models.ParseWeekday(day); !ok {
			return apperrors.InvalidArgument("weekly", fmt.Sprintf("unknown weekday %q", day))
		}
		for _, interval := range intervals {
			if _, _, err := interval.Bounds(); err != nil {
				return apperrors.InvalidArgument("weekly", fmt.Sprintf("%s: %v", day, err))
			}
		}
	}

	for i, b := range settings.Blackouts {
		if !b.Start.Before(b.End) {
			return apperrors.InvalidArgument("blackouts", fmt.Sprintf("range %d must end after it starts", i))
		}
	}
	return nil
}

// normalizeWeekly keys the rules by lowercase weekday name.
func normalizeWeekly(weekly models.WeeklyRules) models.WeeklyRules {
	out := make(models.WeeklyRules, len(weekly))
	for day, intervals := range weekly {
		d, _ := models.ParseWeekday(day)
		key := strings.ToLower(d.String())
		out[key] = append(out[key], intervals...)
	}
	return out
}
