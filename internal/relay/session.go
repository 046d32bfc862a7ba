package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/agent"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/carrier"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/dispatch"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/observability"
)

// State is a call session's lifecycle phase. Transitions are one-directional:
// connecting -> active -> closing -> closed.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var stateRank = map[State]int{
	StateConnecting: 0,
	StateActive:     1,
	StateClosing:    2,
	StateClosed:     3,
}

// Close reasons, recorded once when the session leaves active service.
const (
	ReasonCarrierClosed    = "carrier_closed"
	ReasonAgentClosed      = "agent_closed"
	ReasonAgentUnavailable = "agent_unavailable"
	ReasonHandshakeTimeout = "agent_handshake_timeout"
	ReasonShutdown         = "shutdown"
)

// CarrierLink is the telephony side of a session.
type CarrierLink interface {
	Events() <-chan carrier.Event
	SendAudio(frame []byte) error
	ClearBufferedAudio() error
	Close() error
}

// AgentLink is the speech-agent side of a session.
type AgentLink interface {
	Events() <-chan agent.Event
	SendAudio(frame []byte) error
	RespondToFunction(id, name, content string) error
	Close() error
}

// AgentDialer opens a fresh agent session for one call. It must honor ctx
// cancellation and report handshake failure synchronously.
type AgentDialer func(ctx context.Context) (AgentLink, error)

// Config bounds the session's waiting and queuing.
type Config struct {
	HandshakeTimeout time.Duration
	// ConnectBufferFrames caps how much caller audio is held while the
	// agent handshake is in flight. It masks connect latency only;
	// overflow is dropped.
	ConnectBufferFrames int
	DispatchQueueSize   int
	// DispatchGrace bounds how long in-flight function dispatch may run
	// after the session starts closing.
	DispatchGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ConnectBufferFrames <= 0 {
		c.ConnectBufferFrames = 25 // ~500 ms of 20 ms frames
	}
	if c.DispatchQueueSize <= 0 {
		c.DispatchQueueSize = 16
	}
	if c.DispatchGrace <= 0 {
		c.DispatchGrace = 2 * time.Second
	}
	return c
}

// Session owns one phone call: the carrier link, the agent link once the
// handshake completes, the two relay pumps, and the function-dispatch worker.
type Session struct {
	id         string
	carrier    CarrierLink
	dialAgent  AgentDialer
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	cfg        Config

	onClose func(*Session)

	mu          sync.Mutex
	state       State
	callID      string
	streamID    string
	closeReason string

	closing chan struct{}
	done    chan struct{}

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
}

func NewSession(carrierLink CarrierLink, dialAgent AgentDialer, dispatcher *dispatch.Dispatcher, metrics *observability.Metrics, cfg Config) *Session {
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	return &Session{
		id:             uuid.NewString(),
		carrier:        carrierLink,
		dialAgent:      dialAgent,
		dispatcher:     dispatcher,
		metrics:        metrics,
		cfg:            cfg.withDefaults(),
		state:          StateConnecting,
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
		dispatchCtx:    dispatchCtx,
		dispatchCancel: dispatchCancel,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallID is the carrier's call identifier; empty until the carrier's start
// event arrives, immutable afterwards.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// CloseReason reports why the session left active service; empty while it
// still serves the call.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// SetCloseHook registers a callback run exactly once when the session
// reaches closed. Must be set before Run.
func (s *Session) SetCloseHook(fn func(*Session)) { s.onClose = fn }

// Done is closed when the session reaches closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Shutdown asks the session to stop serving the call. Idempotent and safe
// from any goroutine; Run completes the teardown.
func (s *Session) Shutdown(reason string) { s.beginClose(reason) }

// Run drives the session until closed. It returns the close reason's error
// surface only for handshake failures; normal call endings return nil.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.CallEvents.WithLabelValues("created").Inc()

	agentLink, runErr := s.connect(ctx)
	if agentLink != nil {
		s.runActive(ctx, agentLink)
	}
	s.teardown(agentLink)
	return runErr
}

type dialResult struct {
	link AgentLink
	err  error
}

// connect runs the connecting phase: carrier events are consumed (audio
// buffered, bounded) while the agent handshake is in flight. Returns the
// open agent link, or nil if the session must close without ever becoming
// active.
func (s *Session) connect(ctx context.Context) (AgentLink, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer dialCancel()

	dialCh := make(chan dialResult, 1)
	go func() {
		link, err := s.dialAgent(dialCtx)
		dialCh <- dialResult{link: link, err: err}
	}()
	// If the session closes before the dial resolves, reap the link so a
	// late handshake never leaves a half-open agent session.
	reap := func() {
		go func() {
			if r := <-dialCh; r.link != nil {
				_ = r.link.Close()
			}
		}()
	}

	var pending [][]byte
	for {
		select {
		case <-ctx.Done():
			s.beginClose(ReasonShutdown)
			reap()
			return nil, nil
		case <-s.closing:
			reap()
			return nil, nil
		case ev, ok := <-s.carrier.Events():
			if !ok {
				s.beginClose(ReasonCarrierClosed)
				reap()
				return nil, nil
			}
			switch ev.Type {
			case carrier.EventSessionStarted:
				s.recordStart(ev.CallID, ev.StreamID)
			case carrier.EventAudioReceived:
				if len(pending) < s.cfg.ConnectBufferFrames {
					pending = append(pending, ev.Frame)
				}
				// Overflow is dropped: the buffer masks handshake
				// latency, it does not guarantee delivery.
			case carrier.EventSessionStopped:
				s.beginClose(ReasonCarrierClosed)
				reap()
				return nil, nil
			}
		case r := <-dialCh:
			if r.err != nil {
				reason := ReasonAgentUnavailable
				if errors.Is(r.err, context.DeadlineExceeded) {
					reason = ReasonHandshakeTimeout
				}
				log.Warn().Err(r.err).Str("session_id", s.id).Msg("agent handshake failed")
				s.metrics.CallEvents.WithLabelValues(reason).Inc()
				s.beginClose(reason)
				return nil, r.err
			}
			for _, frame := range pending {
				if err := r.link.SendAudio(frame); err != nil {
					break
				}
				s.metrics.AudioFrames.WithLabelValues("inbound").Inc()
			}
			if !s.advance(StateActive) {
				// Lost a race with shutdown.
				_ = r.link.Close()
				return nil, nil
			}
			s.metrics.CallEvents.WithLabelValues("active").Inc()
			return r.link, nil
		}
	}
}

// runActive runs both relay directions until either link ends or the
// session is asked to close. The directions never block each other: each
// runs in its own goroutine and all sends are bounded.
func (s *Session) runActive(ctx context.Context, agentLink AgentLink) {
	dispatchCh := make(chan dispatch.Request, s.cfg.DispatchQueueSize)
	workerDone := make(chan struct{})
	go s.dispatchWorker(agentLink, dispatchCh, workerDone)

	outboundDone := make(chan struct{})
	go func() {
		defer close(outboundDone)
		s.outboundPump(agentLink, dispatchCh)
	}()

	s.inboundPump(ctx, agentLink)

	<-outboundDone
	<-workerDone
}

// inboundPump forwards caller audio to the agent in arrival order.
func (s *Session) inboundPump(ctx context.Context, agentLink AgentLink) {
	for {
		select {
		case <-ctx.Done():
			s.beginClose(ReasonShutdown)
			return
		case <-s.closing:
			return
		case ev, ok := <-s.carrier.Events():
			if !ok {
				s.beginClose(ReasonCarrierClosed)
				return
			}
			switch ev.Type {
			case carrier.EventAudioReceived:
				if err := agentLink.SendAudio(ev.Frame); err != nil {
					s.beginClose(ReasonAgentClosed)
					return
				}
				s.metrics.AudioFrames.WithLabelValues("inbound").Inc()
			case carrier.EventSessionStarted:
				s.recordStart(ev.CallID, ev.StreamID)
			case carrier.EventSessionStopped:
				s.beginClose(ReasonCarrierClosed)
				return
			}
		}
	}
}

// outboundPump forwards agent speech to the caller, handles barge-in, and
// feeds function calls to the dispatch worker without blocking.
func (s *Session) outboundPump(agentLink AgentLink, dispatchCh chan<- dispatch.Request) {
	for {
		select {
		case <-s.closing:
			return
		case ev, ok := <-agentLink.Events():
			if !ok {
				s.beginClose(ReasonAgentClosed)
				return
			}
			switch ev.Type {
			case agent.EventAudio:
				if err := s.carrier.SendAudio(ev.Audio); err != nil {
					s.beginClose(ReasonCarrierClosed)
					return
				}
				s.metrics.AudioFrames.WithLabelValues("outbound").Inc()
			case agent.EventUserStartedSpeaking:
				// Barge-in: discard audio already queued toward the
				// caller before relaying anything further.
				s.metrics.CallEvents.WithLabelValues("barge_in").Inc()
				if err := s.carrier.ClearBufferedAudio(); err != nil {
					s.beginClose(ReasonCarrierClosed)
					return
				}
			case agent.EventFunctionCallRequested:
				for _, call := range ev.Functions {
					req := dispatch.Request{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
					select {
					case dispatchCh <- req:
					default:
						log.Warn().Str("session_id", s.id).Str("function", call.Name).
							Msg("dispatch queue full, dropping function call")
					}
				}
			default:
				s.metrics.AgentEvents.WithLabelValues(ev.Kind).Inc()
			}
		}
	}
}

// dispatchWorker serializes function dispatch for this session so spoken
// confirmations come back in request order. Work still queued when the
// session starts closing is abandoned; in-flight work is cut off after the
// configured grace.
func (s *Session) dispatchWorker(agentLink AgentLink, dispatchCh <-chan dispatch.Request, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-s.closing:
			return
		case req := <-dispatchCh:
			ctx := dispatch.WithCallID(s.dispatchCtx, s.CallID())
			utterance := s.dispatcher.Dispatch(ctx, req)
			select {
			case <-s.closing:
				return
			default:
			}
			if err := agentLink.RespondToFunction(req.ID, req.Name, utterance); err != nil {
				log.Debug().Err(err).Str("session_id", s.id).Msg("function response not delivered")
			}
		}
	}
}

func (s *Session) recordStart(callID, streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Identifiers are assigned once and never change.
	if s.callID == "" {
		s.callID = callID
	}
	if s.streamID == "" {
		s.streamID = streamID
	}
}

// beginClose moves the session to closing at most once, recording the first
// reason given.
func (s *Session) beginClose(reason string) {
	s.mu.Lock()
	if stateRank[s.state] >= stateRank[StateClosing] {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeReason = reason
	s.mu.Unlock()

	close(s.closing)
	time.AfterFunc(s.cfg.DispatchGrace, s.dispatchCancel)
}

func (s *Session) advance(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateRank[next] <= stateRank[s.state] {
		return false
	}
	if stateRank[s.state] >= stateRank[StateClosing] {
		return false
	}
	s.state = next
	return true
}

// teardown releases both links and marks the session closed exactly once.
// Run is its only caller.
func (s *Session) teardown(agentLink AgentLink) {
	s.beginClose(ReasonShutdown)
	_ = s.carrier.Close()
	if agentLink != nil {
		_ = agentLink.Close()
	}
	s.dispatchCancel()

	s.mu.Lock()
	s.state = StateClosed
	reason := s.closeReason
	s.mu.Unlock()

	s.metrics.CallEvents.WithLabelValues("closed").Inc()
	log.Info().Str("session_id", s.id).Str("call_sid", s.CallID()).Str("reason", reason).Msg("call session closed")

	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
}
