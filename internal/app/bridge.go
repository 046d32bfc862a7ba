package app

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/agent"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/carrier"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/dispatch"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/observability"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/relay"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/session"
)

// Bridge turns each upgraded carrier websocket into a running call session.
type Bridge struct {
	agentCfg   agent.Config
	relayCfg   relay.Config
	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
	metrics    *observability.Metrics
}

func NewBridge(agentCfg agent.Config, relayCfg relay.Config, dispatcher *dispatch.Dispatcher, registry *session.Registry, metrics *observability.Metrics) *Bridge {
	return &Bridge{
		agentCfg:   agentCfg,
		relayCfg:   relayCfg,
		dispatcher: dispatcher,
		registry:   registry,
		metrics:    metrics,
	}
}

// ServeCall runs one phone call to completion. The carrier websocket is
// owned by the session from here on and closed on teardown.
func (b *Bridge) ServeCall(ctx context.Context, conn *websocket.Conn) {
	link := carrier.NewLink(conn)
	dial := func(ctx context.Context) (relay.AgentLink, error) {
		client, err := agent.Dial(ctx, b.agentCfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	sess := relay.NewSession(link, dial, b.dispatcher, b.metrics, b.relayCfg)
	sess.SetCloseHook(func(s *relay.Session) {
		if b.registry.Remove(s.ID()) {
			b.metrics.ActiveCalls.Dec()
		}
	})
	b.registry.Add(sess)
	b.metrics.ActiveCalls.Inc()

	log.Info().Str("session_id", sess.ID()).Msg("carrier stream connected")
	if err := sess.Run(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID()).Msg("call ended with error")
	}
}
