package carrier

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrLinkClosed is returned by send operations after the underlying transport
// has ended. It is fatal to the call, never to the process.
var ErrLinkClosed = errors.New("carrier media link closed")

const (
	eventQueueSize    = 64
	outboundQueueSize = 64
	writeDeadline     = 10 * time.Second
	clearEnqueueWait  = 250 * time.Millisecond
)

// Conn is the subset of a websocket connection the link drives. Satisfied by
// *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Link adapts one carrier media-stream websocket into typed events and two
// outbound actions. Outbound sends are serialized through a bounded queue so
// a stalled peer never blocks the relay; overflow frames are dropped.
type Link struct {
	conn     Conn
	events   chan Event
	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once

	mu        sync.Mutex
	closed    bool
	streamSID string
}

func NewLink(conn Conn) *Link {
	l := &Link{
		conn:     conn,
		events:   make(chan Event, eventQueueSize),
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
	}
	go l.readLoop()
	go l.writeLoop()
	return l
}

// Events delivers carrier events in arrival order. The channel is closed when
// the transport ends.
func (l *Link) Events() <-chan Event { return l.events }

// SendAudio queues one encoded frame for delivery to the caller. Safe to call
// concurrently with event delivery; per-call ordering is preserved. Frames
// are dropped, not queued unboundedly, when the peer cannot keep up. Audio
// arriving before the start envelope has no stream to ride and is dropped;
// only a closed transport returns ErrLinkClosed.
func (l *Link) SendAudio(frame []byte) error {
	streamSID, err := l.sendableStream()
	if err != nil {
		return err
	}
	if streamSID == "" {
		log.Debug().Msg("dropping outbound frame before stream start")
		return nil
	}
	msg, err := marshalMedia(streamSID, frame)
	if err != nil {
		return err
	}
	select {
	case l.outbound <- msg:
	default:
		log.Warn().Str("stream_sid", streamSID).Msg("carrier outbound queue full, dropping frame")
	}
	return nil
}

// ClearBufferedAudio asks the carrier to discard audio it has buffered but
// not yet played. It rides the same queue as audio so it is ordered before
// any frame sent after it.
func (l *Link) ClearBufferedAudio() error {
	streamSID, err := l.sendableStream()
	if err != nil {
		return err
	}
	if streamSID == "" {
		// Nothing can be buffered carrier-side before the stream starts.
		return nil
	}
	msg, err := marshalClear(streamSID)
	if err != nil {
		return err
	}
	// A clear must not be silently shed with the audio backlog; give it a
	// short window to enqueue.
	timer := time.NewTimer(clearEnqueueWait)
	defer timer.Stop()
	select {
	case l.outbound <- msg:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-timer.C:
		log.Warn().Str("stream_sid", streamSID).Msg("carrier outbound queue saturated, clear not delivered")
		return nil
	}
}

// Close tears down the transport. Idempotent.
func (l *Link) Close() error {
	l.shutdown()
	return nil
}

// sendableStream reports the stream identifier for outbound messages. It is
// empty before the carrier's start event; that is not an error.
func (l *Link) sendableStream() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrLinkClosed
	}
	return l.streamSID, nil
}

func (l *Link) readLoop() {
	defer close(l.events)
	defer l.shutdown()
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok, err := parseEnvelope(raw)
		if err != nil {
			// Discard only the offending message.
			log.Debug().Err(err).Msg("dropping malformed carrier message")
			continue
		}
		if !ok {
			continue
		}
		if ev.Type == EventSessionStarted {
			l.mu.Lock()
			if l.streamSID == "" {
				l.streamSID = ev.StreamID
			}
			l.mu.Unlock()
		}
		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
		if ev.Type == EventSessionStopped {
			return
		}
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.outbound:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.shutdown()
				return
			}
		}
	}
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		_ = l.conn.Close()
	})
}
