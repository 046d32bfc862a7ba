package agent

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	inbound chan fakeMessage

	mu     sync.Mutex
	writes []fakeMessage
	closed bool
}

type fakeMessage struct {
	msgType int
	data    []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan fakeMessage, 32)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("fake conn closed")
	}
	return msg.msgType, msg.data, nil
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fake conn closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, fakeMessage{msgType: msgType, data: cp})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) written() []fakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeMessage, len(c.writes))
	copy(out, c.writes)
	return out
}

// waitWrites polls until the conn has recorded at least n writes. Outbound
// messages pass through the writer goroutine, so arrival is asynchronous.
func waitWrites(t *testing.T, conn *fakeConn, n int) []fakeMessage {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if writes := conn.written(); len(writes) >= n {
			return writes
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("writes = %d, want at least %d", len(conn.written()), n)
	return nil
}

func testConfig() Config {
	return Config{
		URL:               "wss://example.invalid/agent",
		APIKey:            "key",
		Language:          "en",
		ListenModel:       "nova-3",
		ThinkModel:        "gpt-4o-mini",
		ThinkTemperature:  0.7,
		SpeakModel:        "aura-2-odysseus-en",
		Prompt:            "be helpful",
		Greeting:          "hello",
		KeepAliveInterval: time.Hour,
	}
}

func TestNewClientSendsSettingsFirst(t *testing.T) {
	conn := newFakeConn()
	c, err := newClient(conn, testConfig())
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	defer c.Close()

	writes := conn.written()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1 (settings)", len(writes))
	}
	var settings Settings
	if err := json.Unmarshal(writes[0].data, &settings); err != nil {
		t.Fatalf("unmarshal settings: %v", err)
	}
	if settings.Type != "Settings" {
		t.Fatalf("settings.Type = %q, want Settings", settings.Type)
	}
	if settings.Audio.Input.Encoding != "mulaw" || settings.Audio.Input.SampleRate != 8000 {
		t.Fatalf("input format = %+v, want mulaw/8000", settings.Audio.Input)
	}
	if settings.Audio.Output.Container != "none" {
		t.Fatalf("output container = %q, want none", settings.Audio.Output.Container)
	}
	if settings.Agent.Think.Provider.Model != "gpt-4o-mini" {
		t.Fatalf("think model = %q, want gpt-4o-mini", settings.Agent.Think.Provider.Model)
	}
	if settings.Agent.Greeting != "hello" {
		t.Fatalf("greeting = %q, want hello", settings.Agent.Greeting)
	}
}

func TestSendAudioCoalescesIntoChunks(t *testing.T) {
	conn := newFakeConn()
	cfg := testConfig()
	cfg.SendBufferBytes = 320
	c, err := newClient(conn, cfg)
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	defer c.Close()

	frame := make([]byte, 160)
	if err := c.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(conn.written()); got != 1 {
		t.Fatalf("writes after half chunk = %d, want 1 (settings only)", got)
	}
	if err := c.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	writes := waitWrites(t, conn, 2)
	if writes[1].msgType != websocket.BinaryMessage || len(writes[1].data) != 320 {
		t.Fatalf("chunk write = type %d len %d, want binary/320", writes[1].msgType, len(writes[1].data))
	}
}

func TestClientSurfacesTypedEvents(t *testing.T) {
	conn := newFakeConn()
	c, err := newClient(conn, testConfig())
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	defer c.Close()

	conn.inbound <- fakeMessage{websocket.TextMessage, []byte(`{"type":"Welcome"}`)}
	conn.inbound <- fakeMessage{websocket.BinaryMessage, []byte{0xAA, 0xBB}}
	conn.inbound <- fakeMessage{websocket.TextMessage, []byte(`{"type":"UserStartedSpeaking"}`)}
	conn.inbound <- fakeMessage{websocket.TextMessage, []byte(`{"type":"SomeFutureThing"}`)}
	conn.inbound <- fakeMessage{websocket.TextMessage, []byte(`{"type":"FunctionCallRequest","functions":[{"id":"f1","name":"send_message","arguments":"{\"to\":\"+15550100\",\"body\":\"hi\"}"}]}`)}
	_ = conn.Close()

	var got []Event
	for ev := range c.Events() {
		got = append(got, ev)
	}
	if len(got) != 5 {
		t.Fatalf("events = %d, want 5", len(got))
	}
	if got[0].Type != EventInformational || got[0].Kind != "Welcome" {
		t.Fatalf("event[0] = %+v, want informational Welcome", got[0])
	}
	if got[1].Type != EventAudio || string(got[1].Audio) != "\xaa\xbb" {
		t.Fatalf("event[1] = %+v, want audio frame", got[1])
	}
	if got[2].Type != EventUserStartedSpeaking {
		t.Fatalf("event[2] = %+v, want user_started_speaking", got[2])
	}
	if got[3].Type != EventUnknown || got[3].Kind != "SomeFutureThing" {
		t.Fatalf("event[3] = %+v, want unknown", got[3])
	}
	if got[4].Type != EventFunctionCallRequested {
		t.Fatalf("event[4] = %+v, want function_call_requested", got[4])
	}
	fn := got[4].Functions[0]
	if fn.ID != "f1" || fn.Name != "send_message" {
		t.Fatalf("function = %+v, want f1/send_message", fn)
	}
	if fn.Arguments["to"] != "+15550100" || fn.Arguments["body"] != "hi" {
		t.Fatalf("arguments = %+v, want to/body set", fn.Arguments)
	}
}

func TestClientDropsMalformedMessagesWithoutClosing(t *testing.T) {
	conn := newFakeConn()
	c, err := newClient(conn, testConfig())
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	defer c.Close()

	conn.inbound <- fakeMessage{websocket.TextMessage, []byte(`{broken`)}
	conn.inbound <- fakeMessage{websocket.TextMessage, []byte(`{"type":"FunctionCallRequest","functions":[{"id":"x","name":"y","arguments":"not json"}]}`)}
	conn.inbound <- fakeMessage{websocket.TextMessage, []byte(`{"type":"AgentAudioDone"}`)}
	_ = conn.Close()

	var got []Event
	for ev := range c.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Kind != "AgentAudioDone" {
		t.Fatalf("events = %+v, want only AgentAudioDone", got)
	}
}

func TestRespondToFunctionWritesResponse(t *testing.T) {
	conn := newFakeConn()
	c, err := newClient(conn, testConfig())
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	defer c.Close()

	if err := c.RespondToFunction("f1", "send_message", "done"); err != nil {
		t.Fatalf("RespondToFunction() error = %v", err)
	}
	writes := waitWrites(t, conn, 2)
	var resp functionCallResponse
	if err := json.Unmarshal(writes[1].data, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != "FunctionCallResponse" || resp.ID != "f1" || resp.Content != "done" {
		t.Fatalf("response = %+v, want FunctionCallResponse f1 done", resp)
	}
}

func TestSendAudioAfterCloseReturnsErrLinkClosed(t *testing.T) {
	conn := newFakeConn()
	c, err := newClient(conn, testConfig())
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	_ = c.Close()

	if err := c.SendAudio(make([]byte, 160)); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("SendAudio() after close error = %v, want ErrLinkClosed", err)
	}
}

// stallingConn lets the settings handshake through and then blocks every
// write until released, imitating a peer that stops draining its socket.
type stallingConn struct {
	*fakeConn
	release chan struct{}

	mu    sync.Mutex
	wrote bool
}

func newStallingConn() *stallingConn {
	return &stallingConn{fakeConn: newFakeConn(), release: make(chan struct{})}
}

func (c *stallingConn) WriteMessage(msgType int, data []byte) error {
	c.mu.Lock()
	first := !c.wrote
	c.wrote = true
	c.mu.Unlock()
	if !first {
		<-c.release
	}
	return c.fakeConn.WriteMessage(msgType, data)
}

func TestSendAudioDoesNotBlockOnStalledPeer(t *testing.T) {
	conn := newStallingConn()
	cfg := testConfig()
	cfg.SendBufferBytes = 160
	c, err := newClient(conn, cfg)
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	defer func() {
		close(conn.release)
		c.Close()
	}()

	// Far more chunks than the queue holds. Every send must return
	// promptly even though the writer is wedged on the socket.
	frame := make([]byte, 160)
	start := time.Now()
	for i := 0; i < 200; i++ {
		if err := c.SendAudio(frame); err != nil {
			t.Fatalf("SendAudio() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("200 sends took %v, want prompt return", elapsed)
	}
}
