package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/confbook/internal/audit"
	"github.com/baechuer/confbook/internal/domain"
	"github.com/baechuer/confbook/internal/metrics"
	"github.com/baechuer/confbook/internal/pkg/logger"
)

// BookingService orchestrates the booking workflows. All state decisions
// happen in the repository under row locks; this layer validates input,
// serves the conference read cache and fans out the best-effort
// notifications.
type BookingService struct {
	repo  domain.BookingRepository
	cache domain.ConferenceCache
	bus   domain.EventBus
	aud   *audit.Logger
}

func NewBookingService(repo domain.BookingRepository, cache domain.ConferenceCache, bus domain.EventBus, aud *audit.Logger) *BookingService {
	return &BookingService{repo: repo, cache: cache, bus: bus, aud: aud}
}

// RegisterUser creates a user with their interest topics.
func (s *BookingService) RegisterUser(ctx context.Context, nu domain.NewUser) (*domain.User, error) {
	if err := nu.Validate(); err != nil {
		return nil, err
	}
	user, err := s.repo.CreateUser(ctx, nu)
	if err != nil {
		return nil, err
	}
	s.aud.UserRegistered(ctx, user.UserID)
	return user, nil
}

// CreateConference creates a conference and schedules its start-time
// cleanup through the outbox.
func (s *BookingService) CreateConference(ctx context.Context, nc domain.NewConference) (*domain.Conference, error) {
	if err := nc.Validate(); err != nil {
		return nil, err
	}
	conf, err := s.repo.CreateConference(ctx, nc)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetConference(ctx, conf); err != nil {
			lg := logger.WithCtx(ctx)
			lg.Warn().Err(err).Str("conference_name", conf.Name).Msg("conference cache set failed")
		}
	}
	if s.bus != nil {
		if err := s.bus.PublishConferenceCreated(ctx, conf); err != nil {
			lg := logger.WithCtx(ctx)
			lg.Warn().Err(err).Str("conference_name", conf.Name).Msg("conference created publish failed")
		}
	}

	s.aud.ConferenceCreated(ctx, conf.ID, conf.Name, conf.TotalSlots)
	return conf, nil
}

// Book places a booking for userID on the named conference. The outcome
// is either CONFIRMED or WAITLISTED.
func (s *BookingService) Book(ctx context.Context, conferenceName, userID string) (*domain.BookingResult, error) {
	if err := domain.ValidateConferenceName(conferenceName); err != nil {
		return nil, err
	}
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}

	exists, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("User not found")
	}

	conf, err := s.lookupConference(ctx, conferenceName)
	if err != nil {
		return nil, err
	}
	// Fast fail before taking the row lock. The repository rechecks under
	// lock, so a stale cache entry costs a round trip, never correctness.
	if conf.Started(time.Now().UTC()) {
		return nil, domain.NewStateError("Cannot book conference that has already started")
	}

	res, err := s.repo.CreateBooking(ctx, conf.ID, userID)
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		if res.Status == domain.StatusWaitlisted {
			if err := s.bus.PublishWaitlistEntry(ctx, res); err != nil {
				lg := logger.WithCtx(ctx)
				lg.Warn().Err(err).Str("booking_id", res.BookingID.String()).Msg("waitlist entry publish failed")
			}
		}
		if err := s.bus.PublishBookingUpdate(ctx, res); err != nil {
			lg := logger.WithCtx(ctx)
			lg.Warn().Err(err).Str("booking_id", res.BookingID.String()).Msg("booking update publish failed")
		}
	}

	metrics.RecordBooking(string(res.Status))
	s.aud.BookingCreated(ctx, res.BookingID, res.UserID, res.ConferenceName, string(res.Status))
	return res, nil
}

// Confirm accepts a promotion offer within its confirmation window.
func (s *BookingService) Confirm(ctx context.Context, bookingID uuid.UUID, userID string) (*domain.BookingResult, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	res, err := s.repo.ConfirmBooking(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		if err := s.bus.PublishBookingUpdate(ctx, res); err != nil {
			lg := logger.WithCtx(ctx)
			lg.Warn().Err(err).Str("booking_id", res.BookingID.String()).Msg("booking update publish failed")
		}
	}

	metrics.RecordConfirmation()
	s.aud.BookingConfirmed(ctx, res.BookingID, res.UserID)
	return res, nil
}

// Cancel cancels a booking in any active state. When the cancellation
// frees a slot the waitlist head is promoted in a follow-up transaction.
func (s *BookingService) Cancel(ctx context.Context, bookingID uuid.UUID) (*domain.CancelResult, error) {
	res, err := s.repo.CancelBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	metrics.RecordCancellation()
	s.aud.BookingCanceled(ctx, res.BookingID, string(res.PreviousStatus))

	if s.bus != nil {
		update := &domain.BookingResult{
			BookingID:      res.BookingID,
			ConferenceID:   res.ConferenceID,
			ConferenceName: res.ConferenceName,
			UserID:         res.UserID,
			Status:         domain.StatusCanceled,
		}
		if err := s.bus.PublishBookingUpdate(ctx, update); err != nil {
			lg := logger.WithCtx(ctx)
			lg.Warn().Err(err).Str("booking_id", res.BookingID.String()).Msg("booking update publish failed")
		}
	}

	if res.TriggerPromotion {
		promo, err := s.repo.PromoteNext(ctx, res.ConferenceID)
		if err != nil {
			// The cancellation is committed. The slot stays free until the
			// next cancellation or expiry retriggers promotion.
			lg := logger.WithCtx(ctx)
			lg.Error().Err(err).Str("conference_id", res.ConferenceID.String()).Msg("waitlist promotion failed")
		} else if promo != nil {
			metrics.RecordPromotion()
			s.aud.Promoted(ctx, promo.BookingID, promo.UserID, promo.ConferenceName)
		}
	}

	return res, nil
}

// BookingStatus returns the current state of one booking.
func (s *BookingService) BookingStatus(ctx context.Context, bookingID uuid.UUID) (*domain.BookingDetail, error) {
	return s.repo.GetBookingDetail(ctx, bookingID)
}

// ConferenceBookings lists every booking of a conference in creation
// order.
func (s *BookingService) ConferenceBookings(ctx context.Context, conferenceName string) ([]domain.BookingDetail, error) {
	if err := domain.ValidateConferenceName(conferenceName); err != nil {
		return nil, err
	}
	return s.repo.ListConferenceBookings(ctx, conferenceName)
}

// lookupConference serves reads from the cache and falls back to the
// repository on a miss or a cache error.
func (s *BookingService) lookupConference(ctx context.Context, name string) (*domain.Conference, error) {
	if s.cache != nil {
		conf, err := s.cache.GetConference(ctx, name)
		if err == nil {
			return conf, nil
		}
		if !errors.Is(err, domain.ErrCacheMiss) {
			lg := logger.WithCtx(ctx)
			lg.Warn().Err(err).Str("conference_name", name).Msg("conference cache read failed")
		}
	}

	conf, err := s.repo.GetConferenceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetConference(ctx, conf); err != nil {
			lg := logger.WithCtx(ctx)
			lg.Warn().Err(err).Str("conference_name", name).Msg("conference cache set failed")
		}
	}
	return conf, nil
}
