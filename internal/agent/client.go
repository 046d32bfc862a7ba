package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/audio"
)

var (
	// ErrAgentUnavailable reports a failed session handshake. The call never
	// becomes active; nothing is left half-open.
	ErrAgentUnavailable = errors.New("speech agent unavailable")
	// ErrLinkClosed is returned by send operations after the agent session
	// has ended.
	ErrLinkClosed = errors.New("speech agent link closed")
)

const (
	// Forward caller audio in ~0.4 s chunks, twenty carrier frames.
	defaultSendBufferBytes = 20 * audio.FrameBytes

	defaultKeepAliveInterval = 5 * time.Second
	eventQueueSize           = 256
	outboundQueueSize        = 64
	writeDeadline            = 10 * time.Second
	responseEnqueueWait      = 250 * time.Millisecond
)

// Config selects the remote agent session parameters. Zero values fall back
// to the service defaults.
type Config struct {
	URL    string
	APIKey string

	Language         string
	ListenModel      string
	ThinkModel       string
	ThinkTemperature float64
	SpeakModel       string
	Prompt           string
	Greeting         string
	Functions        []FunctionDefinition

	KeepAliveInterval time.Duration
	SendBufferBytes   int
}

func (c Config) settings() Settings {
	temp := c.ThinkTemperature
	return Settings{
		Type: "Settings",
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "mulaw", SampleRate: audio.SampleRate},
			Output: AudioFormat{Encoding: "mulaw", SampleRate: audio.SampleRate, Container: "none"},
		},
		Agent: AgentSettings{
			Language: c.Language,
			Listen:   ListenConfig{Provider: Provider{Type: "deepgram", Model: c.ListenModel}},
			Think: ThinkConfig{
				Provider:  Provider{Type: "open_ai", Model: c.ThinkModel, Temperature: &temp},
				Prompt:    c.Prompt,
				Functions: c.Functions,
			},
			Speak:    SpeakConfig{Provider: Provider{Type: "deepgram", Model: c.SpeakModel}},
			Greeting: c.Greeting,
		},
	}
}

// Conn is the websocket surface the client drives. Satisfied by
// *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live session with the remote speech agent. The event stream
// terminates when the connection closes and is not restartable; a new call
// opens a new client.
type Client struct {
	conn     Conn
	events   chan Event
	outbound chan outboundMsg
	done     chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	pending []byte
	chunk   int
}

type outboundMsg struct {
	msgType int
	data    []byte
}

// Dial opens the agent session and performs the Settings handshake. Failure
// is reported synchronously as ErrAgentUnavailable.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"token", cfg.APIKey},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	c, err := newClient(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(conn Conn, cfg Config) (*Client, error) {
	chunk := cfg.SendBufferBytes
	if chunk <= 0 {
		chunk = defaultSendBufferBytes
	}
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultKeepAliveInterval
	}

	c := &Client{
		conn:     conn,
		events:   make(chan Event, eventQueueSize),
		outbound: make(chan outboundMsg, outboundQueueSize),
		done:     make(chan struct{}),
		chunk:    chunk,
	}
	// The Settings handshake is written directly so a refused session is
	// reported before any goroutine starts.
	raw, err := json.Marshal(cfg.settings())
	if err != nil {
		return nil, fmt.Errorf("%w: settings handshake: %v", ErrAgentUnavailable, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return nil, fmt.Errorf("%w: settings handshake: %v", ErrAgentUnavailable, err)
	}
	go c.readLoop()
	go c.writeLoop()
	go c.keepAliveLoop(keepAlive)
	return c, nil
}

// Events delivers agent events in arrival order until the connection closes.
func (c *Client) Events() <-chan Event { return c.events }

// SendAudio forwards caller speech. Frames are coalesced and a full chunk is
// queued for the writer, as the agent prefers fewer, larger binary messages.
// Never blocks on the socket; chunks are dropped when the queue is full.
func (c *Client) SendAudio(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrLinkClosed
	}
	c.pending = append(c.pending, frame...)
	for len(c.pending) >= c.chunk {
		chunk := make([]byte, c.chunk)
		copy(chunk, c.pending[:c.chunk])
		c.pending = c.pending[c.chunk:]
		select {
		case c.outbound <- outboundMsg{msgType: websocket.BinaryMessage, data: chunk}:
		default:
			log.Warn().Msg("agent send queue full, dropping audio chunk")
		}
	}
	return nil
}

// RespondToFunction delivers the outcome text for one requested function
// call; the agent speaks it to the caller. Waits briefly for queue space
// rather than dropping, since the agent stalls a turn on a missing response.
func (c *Client) RespondToFunction(id, name, content string) error {
	raw, err := json.Marshal(functionCallResponse{
		Type:    "FunctionCallResponse",
		ID:      id,
		Name:    name,
		Content: content,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	timer := time.NewTimer(responseEnqueueWait)
	defer timer.Stop()
	select {
	case c.outbound <- outboundMsg{msgType: websocket.TextMessage, data: raw}:
		return nil
	case <-c.done:
		return ErrLinkClosed
	case <-timer.C:
		log.Warn().Str("function", name).Msg("agent send queue full, dropping function response")
		return nil
	}
}

// Close ends the session. Idempotent.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.shutdown()
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			frame := make([]byte, len(raw))
			copy(frame, raw)
			c.deliver(Event{Type: EventAudio, Audio: frame})
		case websocket.TextMessage:
			ev, err := parseTextMessage(raw)
			if err != nil {
				log.Debug().Err(err).Msg("dropping malformed agent message")
				continue
			}
			c.deliver(ev)
		}
	}
}

func (c *Client) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// writeLoop is the only socket writer after the handshake. A write failure
// ends the session; a stalled peer surfaces as a deadline error here without
// blocking the senders.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(msg.msgType, msg.data); err != nil {
				log.Debug().Err(err).Msg("agent write failed, closing session")
				c.shutdown()
				return
			}
		}
	}
}

func (c *Client) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	raw, _ := json.Marshal(keepAliveMessage{Type: "KeepAlive"})
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			select {
			case c.outbound <- outboundMsg{msgType: websocket.TextMessage, data: raw}:
			default:
				// Queue pressure means real traffic is flowing; the
				// keepalive is redundant.
			}
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}
