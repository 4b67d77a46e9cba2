package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domainMeeting "github.com/AzielCF/az-gateway/domains/meeting"
	"github.com/AzielCF/az-gateway/infrastructure/calendar"
	"github.com/AzielCF/az-gateway/repository"
)

const defaultMeetingLength = 30 * time.Minute

// BookerMessages are the user-visible texts substituted into the reply on
// soft failure.
type BookerMessages struct {
	NoCredentials string
	Failed        string
}

type serviceBooker struct {
	repo     repository.Repository
	calendar calendar.IClient
	msgs     BookerMessages
}

// NewBookerService wires the meeting booker. Booking never hard-fails the
// message pipeline; every failure path degrades into a BookingResult the
// worker folds into the reply.
func NewBookerService(repo repository.Repository, cal calendar.IClient, msgs BookerMessages) domainMeeting.IBookerUsecase {
	return &serviceBooker{repo: repo, calendar: cal, msgs: msgs}
}

func (s *serviceBooker) BookFromModel(ctx context.Context, conversationID string, data *domainMeeting.Data) domainMeeting.BookingResult {
	log := logrus.WithField("conversation_id", conversationID)

	owner, err := s.repo.ConversationOwner(ctx, conversationID)
	if err != nil || owner == nil {
		log.WithError(err).Warn("[BOOKER] Could not resolve conversation owner")
		return domainMeeting.BookingResult{UserMessage: s.msgs.Failed}
	}

	tokens, err := s.repo.CalendarToken(ctx, owner.UserID)
	if err != nil {
		log.WithError(err).Warn("[BOOKER] Failed to load calendar credentials")
		return domainMeeting.BookingResult{UserMessage: s.msgs.Failed}
	}
	if tokens == nil {
		log.Info("[BOOKER] User has no calendar connected")
		return domainMeeting.BookingResult{UserMessage: s.msgs.NoCredentials}
	}

	start, err := time.Parse(time.RFC3339, data.MeetingTime)
	if err != nil {
		log.WithError(err).Warnf("[BOOKER] Unparseable meeting time %q", data.MeetingTime)
		return domainMeeting.BookingResult{UserMessage: s.msgs.Failed}
	}

	attendees := []calendar.Attendee{{Email: data.Email, Name: data.Name}}
	for _, p := range data.Participants {
		if p != data.Email {
			attendees = append(attendees, calendar.Attendee{Email: p})
		}
	}

	title := data.Title
	if title == "" {
		title = "Meeting with " + data.Name
	}

	created, rotated, err := s.calendar.CreateEvent(ctx, calendar.Tokens{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
	}, calendar.EventInput{
		Title:     title,
		Start:     start,
		End:       start.Add(defaultMeetingLength),
		Attendees: attendees,
		RequestID: uuid.New().String(),
	})

	if rotated != nil {
		saveErr := s.repo.SaveCalendarToken(ctx, &repository.CalendarToken{
			UserID:       owner.UserID,
			AccessToken:  rotated.AccessToken,
			RefreshToken: rotated.RefreshToken,
			ExpiresAt:    rotated.ExpiresAt,
		})
		if saveErr != nil {
			log.WithError(saveErr).Warn("[BOOKER] Failed to persist rotated calendar tokens")
		}
	}
	if err != nil {
		log.WithError(err).Warn("[BOOKER] Calendar event creation failed")
		return domainMeeting.BookingResult{UserMessage: s.msgs.Failed}
	}

	if err := s.repo.InsertMeeting(ctx, &repository.Meeting{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         owner.UserID,
		Title:          title,
		AttendeeName:   data.Name,
		AttendeeEmail:  data.Email,
		MeetingTime:    start,
		MeetLink:       created.MeetLink,
		EventID:        created.EventID,
	}); err != nil {
		// The event exists in the calendar; losing the row is recoverable.
		log.WithError(err).Warn("[BOOKER] Failed to persist meeting record")
	}

	log.WithField("event_id", created.EventID).Info("[BOOKER] Meeting scheduled")
	return domainMeeting.BookingResult{
		Success:  true,
		MeetLink: created.MeetLink,
		EventID:  created.EventID,
	}
}
