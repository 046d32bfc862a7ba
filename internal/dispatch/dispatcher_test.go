package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/observability"
)

type fakeHandlers struct {
	mu       sync.Mutex
	sent     []string
	looked   []string
	reminded []string

	sendErr     error
	lookupErr   error
	reminderErr error
	lookupInfo  string
	delay       time.Duration
}

func (h *fakeHandlers) SendMessage(ctx context.Context, to, body string) error {
	h.mu.Lock()
	h.sent = append(h.sent, to+"|"+body)
	h.mu.Unlock()
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.sendErr
}

func (h *fakeHandlers) LookupInformation(_ context.Context, subject, location string) (string, error) {
	h.mu.Lock()
	h.looked = append(h.looked, subject+"|"+location)
	h.mu.Unlock()
	return h.lookupInfo, h.lookupErr
}

func (h *fakeHandlers) CreateReminder(_ context.Context, text, when string) error {
	h.mu.Lock()
	h.reminded = append(h.reminded, text+"|"+when)
	h.mu.Unlock()
	return h.reminderErr
}

func (h *fakeHandlers) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent) + len(h.looked) + len(h.reminded)
}

func testMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	return observability.NewMetrics(fmt.Sprintf("dispatch_test_%d", time.Now().UnixNano()))
}

func TestDispatchUnknownFunctionNeverInvokesHandlers(t *testing.T) {
	h := &fakeHandlers{}
	d := New(h, time.Second, testMetrics(t))

	got := d.Dispatch(context.Background(), Request{ID: "f1", Name: "order_pizza", Arguments: map[string]any{}})
	if got != utteranceUnknownFunction {
		t.Fatalf("Dispatch() = %q, want unknown-function utterance", got)
	}
	if h.calls() != 0 {
		t.Fatalf("handler calls = %d, want 0", h.calls())
	}
}

func TestDispatchSendMessageValidation(t *testing.T) {
	cases := []map[string]any{
		{},
		{"to": "+15550100"},
		{"body": "hi"},
		{"to": "", "body": "hi"},
		{"to": 42, "body": "hi"},
	}
	for i, args := range cases {
		h := &fakeHandlers{}
		d := New(h, time.Second, testMetrics(t))
		got := d.Dispatch(context.Background(), Request{Name: FuncSendMessage, Arguments: args})
		if got != utteranceMissingArguments {
			t.Fatalf("case %d: Dispatch() = %q, want missing-arguments utterance", i, got)
		}
		if h.calls() != 0 {
			t.Fatalf("case %d: handler calls = %d, want 0", i, h.calls())
		}
	}
}

func TestDispatchSendMessageSuccessReferencesDestination(t *testing.T) {
	h := &fakeHandlers{}
	d := New(h, time.Second, testMetrics(t))

	got := d.Dispatch(context.Background(), Request{
		Name:      FuncSendMessage,
		Arguments: map[string]any{"to": "+15550100", "body": "see you at 6"},
	})
	if !strings.Contains(got, "+15550100") {
		t.Fatalf("Dispatch() = %q, want confirmation referencing destination", got)
	}
	if len(h.sent) != 1 || h.sent[0] != "+15550100|see you at 6" {
		t.Fatalf("sent = %v, want one delivery", h.sent)
	}
}

func TestDispatchSendMessageHandlerFailureYieldsApology(t *testing.T) {
	h := &fakeHandlers{sendErr: errors.New("smpp gateway down")}
	d := New(h, time.Second, testMetrics(t))

	got := d.Dispatch(context.Background(), Request{
		Name:      FuncSendMessage,
		Arguments: map[string]any{"to": "+15550100", "body": "hi"},
	})
	if got != utteranceSendFailed {
		t.Fatalf("Dispatch() = %q, want send-failed apology", got)
	}
}

func TestDispatchSlowHandlerTimesOutToApology(t *testing.T) {
	h := &fakeHandlers{delay: 500 * time.Millisecond}
	d := New(h, 20*time.Millisecond, testMetrics(t))

	start := time.Now()
	got := d.Dispatch(context.Background(), Request{
		Name:      FuncSendMessage,
		Arguments: map[string]any{"to": "+15550100", "body": "hi"},
	})
	if got != utteranceSendFailed {
		t.Fatalf("Dispatch() = %q, want send-failed apology", got)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("Dispatch() took %v, want bounded by timeout", elapsed)
	}
}

func TestDispatchLookupReturnsHandlerInfo(t *testing.T) {
	h := &fakeHandlers{lookupInfo: "We're open nine to five on weekdays."}
	d := New(h, time.Second, testMetrics(t))

	got := d.Dispatch(context.Background(), Request{
		Name:      FuncLookupInformation,
		Arguments: map[string]any{"subject": "business hours", "location": "detroit"},
	})
	if got != h.lookupInfo {
		t.Fatalf("Dispatch() = %q, want handler info", got)
	}
	if len(h.looked) != 1 || h.looked[0] != "business hours|detroit" {
		t.Fatalf("looked = %v, want one lookup with location", h.looked)
	}
}

func TestDispatchCreateReminder(t *testing.T) {
	h := &fakeHandlers{}
	d := New(h, time.Second, testMetrics(t))

	got := d.Dispatch(context.Background(), Request{
		Name:      FuncCreateReminder,
		Arguments: map[string]any{"text": "call the dentist", "when": "tomorrow morning"},
	})
	if !strings.Contains(got, "call the dentist") || !strings.Contains(got, "tomorrow morning") {
		t.Fatalf("Dispatch() = %q, want confirmation with text and time", got)
	}
}

func TestDefinitionsCoverTheFixedSet(t *testing.T) {
	defs := Definitions()
	if len(defs) != 3 {
		t.Fatalf("Definitions() = %d entries, want 3", len(defs))
	}
	names := map[string]bool{}
	for _, def := range defs {
		names[def.Name] = true
		if def.Parameters.Type != "object" {
			t.Fatalf("%s parameters type = %q, want object", def.Name, def.Parameters.Type)
		}
	}
	for _, want := range []string{FuncSendMessage, FuncLookupInformation, FuncCreateReminder} {
		if !names[want] {
			t.Fatalf("Definitions() missing %q", want)
		}
	}
}
