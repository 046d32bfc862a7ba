package agent

import (
	"encoding/json"
	"fmt"
)

// Settings is the session configuration sent to the speech agent immediately
// after the websocket opens. Field layout follows the Deepgram Voice Agent
// protocol.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Language string       `json:"language"`
	Listen   ListenConfig `json:"listen"`
	Think    ThinkConfig  `json:"think"`
	Speak    SpeakConfig  `json:"speak"`
	Greeting string       `json:"greeting,omitempty"`
}

type ListenConfig struct {
	Provider Provider `json:"provider"`
}

type ThinkConfig struct {
	Provider  Provider             `json:"provider"`
	Prompt    string               `json:"prompt,omitempty"`
	Functions []FunctionDefinition `json:"functions,omitempty"`
}

type SpeakConfig struct {
	Provider Provider `json:"provider"`
}

type Provider struct {
	Type        string   `json:"type"`
	Model       string   `json:"model,omitempty"`
	Voice       string   `json:"voice,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// FunctionDefinition describes one callable function advertised to the
// agent's reasoning model.
type FunctionDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  FunctionParameters `json:"parameters"`
}

type FunctionParameters struct {
	Type       string                      `json:"type"`
	Properties map[string]FunctionProperty `json:"properties"`
	Required   []string                    `json:"required,omitempty"`
}

type FunctionProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// EventType tags the variants a session consumes from the agent link.
type EventType string

const (
	// EventAudio carries one frame of synthesized speech.
	EventAudio EventType = "audio"
	// EventUserStartedSpeaking signals barge-in.
	EventUserStartedSpeaking EventType = "user_started_speaking"
	// EventFunctionCallRequested asks the application to run functions.
	EventFunctionCallRequested EventType = "function_call_requested"
	// EventInformational covers recognized control chatter (Welcome,
	// SettingsApplied, ConversationText, ...).
	EventInformational EventType = "informational"
	// EventUnknown covers message types this client does not recognize.
	EventUnknown EventType = "unknown"
)

// Event is one agent-side occurrence, consumed once.
type Event struct {
	Type  EventType
	Audio []byte
	// Kind is the raw wire message type for informational and unknown events.
	Kind      string
	Functions []FunctionCall
}

// FunctionCall is one requested invocation. ID routes the eventual response
// back to the originating call.
type FunctionCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type wireMessage struct {
	Type      string         `json:"type"`
	Functions []wireFunction `json:"functions,omitempty"`
}

type wireFunction struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

var informationalKinds = map[string]struct{}{
	"Welcome":              {},
	"SettingsApplied":      {},
	"ConversationText":     {},
	"History":              {},
	"AgentThinking":        {},
	"AgentStartedSpeaking": {},
	"AgentAudioDone":       {},
	"PromptUpdated":        {},
	"Error":                {},
	"Warning":              {},
}

// parseTextMessage decodes one JSON control message from the agent. Malformed
// messages yield an error; the single message is discarded by the caller.
func parseTextMessage(raw []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("invalid agent message: %w", err)
	}
	switch msg.Type {
	case "UserStartedSpeaking":
		return Event{Type: EventUserStartedSpeaking, Kind: msg.Type}, nil
	case "FunctionCallRequest":
		calls := make([]FunctionCall, 0, len(msg.Functions))
		for _, fn := range msg.Functions {
			call := FunctionCall{ID: fn.ID, Name: fn.Name, Arguments: map[string]any{}}
			if fn.Arguments != "" {
				if err := json.Unmarshal([]byte(fn.Arguments), &call.Arguments); err != nil {
					return Event{}, fmt.Errorf("invalid function arguments for %q: %w", fn.Name, err)
				}
			}
			calls = append(calls, call)
		}
		return Event{Type: EventFunctionCallRequested, Kind: msg.Type, Functions: calls}, nil
	default:
		if _, ok := informationalKinds[msg.Type]; ok {
			return Event{Type: EventInformational, Kind: msg.Type}, nil
		}
		return Event{Type: EventUnknown, Kind: msg.Type}, nil
	}
}

type keepAliveMessage struct {
	Type string `json:"type"`
}

type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}
