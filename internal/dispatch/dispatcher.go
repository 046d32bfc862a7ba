package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/agent"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/observability"
)

// The fixed function set the agent may request. Anything else is rejected
// before any handler runs.
const (
	FuncSendMessage       = "send_message"
	FuncLookupInformation = "lookup_information"
	FuncCreateReminder    = "create_reminder"
)

// Spoken outcomes. Validation failures and handler failures are deliberately
// distinct so a caller can tell "bad request" from "we tried and failed".
const (
	utteranceUnknownFunction  = "I'm sorry, I don't know how to do that."
	utteranceMissingArguments = "I'm sorry, I'm missing some details I need to do that."
	utteranceSendFailed       = "I'm sorry, I wasn't able to send that message right now."
	utteranceLookupFailed     = "I'm sorry, I couldn't look that up right now."
	utteranceReminderFailed   = "I'm sorry, I couldn't save that reminder right now."
)

// Handlers are the external actions the dispatcher can invoke. Each must
// return promptly; slow handlers are cut off by the dispatch timeout and
// treated as failed.
type Handlers interface {
	SendMessage(ctx context.Context, to, body string) error
	LookupInformation(ctx context.Context, subject, location string) (string, error)
	CreateReminder(ctx context.Context, text, when string) error
}

// Request is one agent-issued function call to interpret.
type Request struct {
	ID        string
	Name      string
	Arguments map[string]any
}

const defaultHandlerTimeout = 3 * time.Second

type callIDKey struct{}

// WithCallID attaches the carrier call identifier to the dispatch context so
// handlers can attribute the actions they record.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFrom reports the call identifier attached by WithCallID, or "".
func CallIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// Dispatcher validates function-call requests, runs the matching handler,
// and turns the outcome into a short utterance to speak back to the caller.
// A dispatcher is shared by all sessions; serialization per session is the
// session's job.
type Dispatcher struct {
	handlers Handlers
	timeout  time.Duration
	metrics  *observability.Metrics
}

func New(handlers Handlers, timeout time.Duration, metrics *observability.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	return &Dispatcher{handlers: handlers, timeout: timeout, metrics: metrics}
}

// Dispatch always produces a speakable string; no failure of the underlying
// action ever propagates to the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) string {
	utterance, result := d.run(ctx, req)
	if d.metrics != nil {
		d.metrics.FunctionCalls.WithLabelValues(req.Name, result).Inc()
	}
	return utterance
}

func (d *Dispatcher) run(ctx context.Context, req Request) (string, string) {
	switch req.Name {
	case FuncSendMessage:
		to, okTo := stringArg(req.Arguments, "to")
		body, okBody := stringArg(req.Arguments, "body")
		if !okTo || !okBody {
			return utteranceMissingArguments, "validation_error"
		}
		if err := d.invoke(ctx, func(ctx context.Context) error {
			return d.handlers.SendMessage(ctx, to, body)
		}); err != nil {
			log.Warn().Err(err).Str("function", req.Name).Msg("action handler failed")
			return utteranceSendFailed, "handler_error"
		}
		return fmt.Sprintf("Okay, I've sent your message to %s.", to), "ok"

	case FuncLookupInformation:
		subject, ok := stringArg(req.Arguments, "subject")
		if !ok {
			return utteranceMissingArguments, "validation_error"
		}
		location, _ := stringArg(req.Arguments, "location")
		var info string
		err := d.invoke(ctx, func(ctx context.Context) error {
			var err error
			info, err = d.handlers.LookupInformation(ctx, subject, location)
			return err
		})
		if err != nil {
			log.Warn().Err(err).Str("function", req.Name).Msg("action handler failed")
			return utteranceLookupFailed, "handler_error"
		}
		return info, "ok"

	case FuncCreateReminder:
		text, ok := stringArg(req.Arguments, "text")
		if !ok {
			return utteranceMissingArguments, "validation_error"
		}
		when, _ := stringArg(req.Arguments, "when")
		if err := d.invoke(ctx, func(ctx context.Context) error {
			return d.handlers.CreateReminder(ctx, text, when)
		}); err != nil {
			log.Warn().Err(err).Str("function", req.Name).Msg("action handler failed")
			return utteranceReminderFailed, "handler_error"
		}
		if when != "" {
			return fmt.Sprintf("Okay, I'll remind you to %s %s.", text, when), "ok"
		}
		return fmt.Sprintf("Okay, I'll remind you to %s.", text), "ok"

	default:
		log.Debug().Str("function", req.Name).Msg("rejecting unsupported function call")
		return utteranceUnknownFunction, "validation_error"
	}
}

func (d *Dispatcher) invoke(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// Definitions enumerates the supported functions for the agent's session
// configuration, keeping the names and argument contracts in one place.
func Definitions() []agent.FunctionDefinition {
	return []agent.FunctionDefinition{
		{
			Name:        FuncSendMessage,
			Description: "Send an SMS text message on the caller's behalf.",
			Parameters: agent.FunctionParameters{
				Type: "object",
				Properties: map[string]agent.FunctionProperty{
					"to":   {Type: "string", Description: "Destination phone number in E.164 form."},
					"body": {Type: "string", Description: "Message text to send."},
				},
				Required: []string{"to", "body"},
			},
		},
		{
			Name:        FuncLookupInformation,
			Description: "Look up information about a business or subject.",
			Parameters: agent.FunctionParameters{
				Type: "object",
				Properties: map[string]agent.FunctionProperty{
					"subject":  {Type: "string", Description: "What to look up, e.g. business hours."},
					"location": {Type: "string", Description: "Optional location qualifier."},
				},
				Required: []string{"subject"},
			},
		},
		{
			Name:        FuncCreateReminder,
			Description: "Create a reminder for the caller.",
			Parameters: agent.FunctionParameters{
				Type: "object",
				Properties: map[string]agent.FunctionProperty{
					"text": {Type: "string", Description: "What to be reminded about."},
					"when": {Type: "string", Description: "Optional time expression."},
				},
				Required: []string{"text"},
			},
		},
	}
}
