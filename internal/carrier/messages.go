package carrier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventType identifies the link-level events surfaced to a call session.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventAudioReceived  EventType = "audio_received"
	EventSessionStopped EventType = "session_stopped"
)

// Event is one carrier-side occurrence. CallID and StreamID are set only on
// EventSessionStarted; Frame only on EventAudioReceived.
type Event struct {
	Type     EventType
	CallID   string
	StreamID string
	Frame    []byte
}

// Wire envelopes for the Twilio Media Streams protocol. Inbound messages are
// JSON framed as {"event": "connected"|"start"|"media"|"stop", ...}; anything
// else is ignored.
type envelope struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
	StreamSID  string `json:"streamSid"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// parseEnvelope translates one raw carrier message into an Event. ok is false
// for messages that carry no event for the session (connected, marks, unknown
// event names, outbound-track echoes). An error means the single message is
// malformed and should be discarded; it never tears the link down.
func parseEnvelope(raw []byte) (Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, false, fmt.Errorf("invalid carrier envelope: %w", err)
	}

	switch env.Event {
	case "start":
		if env.Start == nil {
			return Event{}, false, fmt.Errorf("start envelope missing start payload")
		}
		streamID := env.Start.StreamSID
		if streamID == "" {
			streamID = env.StreamSID
		}
		return Event{Type: EventSessionStarted, CallID: env.Start.CallSID, StreamID: streamID}, true, nil
	case "media":
		if env.Media == nil {
			return Event{}, false, fmt.Errorf("media envelope missing media payload")
		}
		if env.Media.Track != "" && env.Media.Track != "inbound" {
			return Event{}, false, nil
		}
		frame, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return Event{}, false, fmt.Errorf("invalid media payload: %w", err)
		}
		return Event{Type: EventAudioReceived, Frame: frame}, true, nil
	case "stop":
		return Event{Type: EventSessionStopped}, true, nil
	default:
		// connected, mark, dtmf, future event types.
		return Event{}, false, nil
	}
}

func marshalMedia(streamSID string, frame []byte) ([]byte, error) {
	return json.Marshal(envelope{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

func marshalClear(streamSID string) ([]byte, error) {
	return json.Marshal(envelope{Event: "clear", StreamSID: streamSID})
}
