package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/actions"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/agent"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/config"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/dispatch"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/httpapi"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/observability"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/relay"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var store actions.Store
	if cfg.DatabaseURL != "" {
		pg, err := actions.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("reminder store init failed: %w", err)
		}
		store = pg
		log.Info().Msg("reminder store: postgres")
	} else {
		store = actions.NewMemoryStore()
		log.Info().Msg("reminder store: in-memory")
	}

	service := actions.NewService(nil, store)
	dispatcher := dispatch.New(service, cfg.ActionTimeout, metrics)

	agentCfg := agent.Config{
		URL:               cfg.AgentWSURL,
		APIKey:            cfg.DeepgramAPIKey,
		Language:          cfg.Language,
		ListenModel:       cfg.ListenModel,
		ThinkModel:        cfg.ThinkModel,
		ThinkTemperature:  cfg.ThinkTemperature,
		SpeakModel:        cfg.SpeakModel,
		Prompt:            cfg.AgentPrompt,
		Greeting:          cfg.AgentGreeting,
		Functions:         dispatch.Definitions(),
		KeepAliveInterval: cfg.KeepAliveInterval,
	}
	relayCfg := relay.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		DispatchGrace:    cfg.DispatchGrace,
	}

	registry := session.NewRegistry()
	bridge := NewBridge(agentCfg, relayCfg, dispatcher, registry, metrics)
	api := httpapi.New(cfg, registry, bridge, metrics, store)

	cleanup := func() error {
		return store.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
