package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/actions"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/config"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/observability"
	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/session"
)

// Bridge serves one phone call over an upgraded carrier websocket. It
// returns when the call is over.
type Bridge interface {
	ServeCall(ctx context.Context, conn *websocket.Conn)
}

type Server struct {
	cfg       config.Config
	registry  *session.Registry
	bridge    Bridge
	metrics   *observability.Metrics
	reminders actions.Store
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, bridge Bridge, metrics *observability.Metrics, reminders actions.Store) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		bridge:    bridge,
		metrics:   metrics,
		reminders: reminders,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Carrier media streams are not browsers and send no
				// Origin header. Browser connections must be same-origin.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/voice", s.handleVoice)
	r.Get("/voice", s.handleVoice)
	r.Post("/stream-status", s.handleStreamStatus)
	r.Get("/reminders", s.handleReminders)
	r.Get("/twilio", s.handleCarrierWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"service":      "voicebridge",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"active_calls": s.registry.Len(),
		"endpoints": map[string]string{
			"voice":         "/voice",
			"stream":        "/twilio",
			"stream_status": "/stream-status",
			"reminders":     "/reminders",
			"metrics":       "/metrics",
		},
	})
}

// handleVoice answers the carrier's call webhook with connection
// instructions pointing the media stream at this host.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	doc, err := voiceResponse("wss://" + host + "/twilio")
	if err != nil {
		http.Error(w, "twiml generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

type streamStatus struct {
	StreamSid   string `json:"StreamSid"`
	CallSid     string `json:"CallSid"`
	StreamEvent string `json:"StreamEvent"`
	StreamError string `json:"StreamError"`
}

// handleStreamStatus receives the carrier's stream lifecycle callbacks.
// They are informational; the call session tracks its own state.
func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	var status streamStatus
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
			// Carriers also post form-encoded callbacks; accept them silently.
			log.Debug().Err(err).Msg("stream status body not JSON")
		}
	}
	if status.StreamError != "" {
		log.Warn().
			Str("stream_sid", status.StreamSid).
			Str("call_sid", status.CallSid).
			Str("error", status.StreamError).
			Msg("carrier reported stream error")
	} else if status.StreamEvent != "" {
		log.Info().
			Str("stream_sid", status.StreamSid).
			Str("call_sid", status.CallSid).
			Str("event", status.StreamEvent).
			Msg("carrier stream status")
	}
	w.WriteHeader(http.StatusNoContent)
}

const remindersListLimit = 50

type reminderView struct {
	ID        string `json:"id"`
	CallSid   string `json:"call_sid,omitempty"`
	Text      string `json:"text"`
	When      string `json:"when,omitempty"`
	CreatedAt string `json:"created_at"`
}

// handleReminders lists the most recently saved caller reminders.
func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	recent, err := s.reminders.ListRecent(r.Context(), remindersListLimit)
	if err != nil {
		log.Warn().Err(err).Msg("reminder listing failed")
		http.Error(w, "reminder listing failed", http.StatusInternalServerError)
		return
	}
	views := make([]reminderView, 0, len(recent))
	for _, rem := range recent {
		views = append(views, reminderView{
			ID:        rem.ID,
			CallSid:   rem.CallID,
			Text:      rem.Text,
			When:      rem.When,
			CreatedAt: rem.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"reminders": views})
}

func (s *Server) handleCarrierWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.bridge.ServeCall(r.Context(), conn)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
