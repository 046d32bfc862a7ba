// Command callsim simulates a carrier media stream against a running bridge.
// It connects to the stream websocket, plays mu-law silence at realtime pace,
// and reports what the bridge sends back. Useful for smoke-testing a
// deployment without placing a phone call.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/detroitvr221/twilio-deepgram-openai-voice/internal/audio"
)

type options struct {
	url      string
	callSID  string
	duration time.Duration
	verbose  bool
}

type startMessage struct {
	Event string       `json:"event"`
	Start startPayload `json:"start"`
}

type startPayload struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

type mediaMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type stopMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

type inboundEnvelope struct {
	Event string        `json:"event"`
	Media *mediaPayload `json:"media"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var durationMS int

	flag.StringVar(&cfg.url, "url", "ws://127.0.0.1:5000/twilio", "bridge stream websocket URL")
	flag.StringVar(&cfg.callSID, "call-sid", "", "call SID to report (random when empty)")
	flag.IntVar(&durationMS, "duration-ms", 10000, "how long to stream silence in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print stream progress")
	flag.Parse()

	cfg.url = strings.TrimSpace(cfg.url)
	if cfg.url == "" {
		return options{}, fmt.Errorf("url is required")
	}
	if durationMS < 100 {
		return options{}, fmt.Errorf("duration-ms must be >= 100")
	}
	cfg.duration = time.Duration(durationMS) * time.Millisecond
	if cfg.callSID == "" {
		cfg.callSID = "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration+30*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	streamSID := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if cfg.verbose {
		fmt.Printf("callsim: call_sid=%s stream_sid=%s duration=%s\n", cfg.callSID, streamSID, cfg.duration)
	}

	readDone := make(chan error, 1)
	go readLoop(conn, readDone, cfg.verbose)

	if err := conn.WriteJSON(startMessage{
		Event: "start",
		Start: startPayload{StreamSid: streamSID, CallSid: cfg.callSID},
	}); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	// One 160-byte frame per 20 ms tick, matching the carrier's pacing.
	silence := base64.StdEncoding.EncodeToString(audio.SilenceFrame())
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(cfg.duration)
	frames := 0

streamLoop:
	for {
		select {
		case <-deadline:
			break streamLoop
		case err := <-readDone:
			return fmt.Errorf("ws read: %w", err)
		case <-ticker.C:
			msg := mediaMessage{Event: "media", StreamSid: streamSID, Media: mediaPayload{Payload: silence}}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("send media: %w", err)
			}
			frames++
		}
	}

	if err := conn.WriteJSON(stopMessage{Event: "stop", StreamSid: streamSID}); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("callsim: sent %d frames, stopping\n", frames)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	<-readDone
	return nil
}

func readLoop(conn *websocket.Conn, done chan<- error, verbose bool) {
	received := 0
	clears := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if verbose {
				fmt.Printf("callsim: received %d media frames, %d clears\n", received, clears)
			}
			done <- err
			return
		}
		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Event {
		case "media":
			received++
			if verbose && received%50 == 1 {
				fmt.Printf("callsim: receiving agent audio (%d frames so far)\n", received)
			}
		case "clear":
			clears++
			if verbose {
				fmt.Printf("callsim: bridge requested buffer clear\n")
			}
		}
	}
}
