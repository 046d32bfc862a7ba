package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/dispatch"
)

// MessageSender delivers an outbound text message. The real SMS gateway is
// external to this service; LogSender stands in for it.
type MessageSender interface {
	Send(ctx context.Context, to, body string) error
}

// LogSender records the message instead of delivering it.
type LogSender struct{}

func (LogSender) Send(_ context.Context, to, body string) error {
	preview, _ := RedactPII(body)
	log.Info().Str("to", maskNumber(to)).Str("body", preview).Msg("mock sms delivery")
	return nil
}

// Service implements the dispatcher's action handlers: a message sender, a
// canned information provider, and a reminder store.
type Service struct {
	sender    MessageSender
	reminders Store
}

func NewService(sender MessageSender, reminders Store) *Service {
	if sender == nil {
		sender = LogSender{}
	}
	if reminders == nil {
		reminders = NewMemoryStore()
	}
	return &Service{sender: sender, reminders: reminders}
}

func (s *Service) SendMessage(ctx context.Context, to, body string) error {
	return s.sender.Send(ctx, to, body)
}

// LookupInformation is a stand-in for a pluggable data provider; it answers
// a few common subjects and degrades gracefully for the rest.
func (s *Service) LookupInformation(_ context.Context, subject, location string) (string, error) {
	where := ""
	if location != "" {
		where = fmt.Sprintf(" in %s", location)
	}
	switch normalizeSubject(subject) {
	case "business hours", "hours", "opening hours":
		return fmt.Sprintf("We're open from nine A M to five P M, Monday through Friday%s.", where), nil
	case "address", "location":
		return fmt.Sprintf("You can find our address%s on our website.", where), nil
	case "phone", "phone number", "contact":
		return "The best number to reach us is the one you just called.", nil
	default:
		return fmt.Sprintf("Here's what I found about %s%s: no detailed records, but I can take a message.", subject, where), nil
	}
}

func (s *Service) CreateReminder(ctx context.Context, text, when string) error {
	return s.reminders.SaveReminder(ctx, Reminder{
		ID:        uuid.NewString(),
		CallID:    dispatch.CallIDFrom(ctx),
		Text:      text,
		When:      when,
		CreatedAt: time.Now().UTC(),
	})
}

func normalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}
