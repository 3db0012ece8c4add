package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/bifrost/internal/bridge"
	"github.com/nerrad567/bifrost/internal/infrastructure/config"
	"github.com/nerrad567/bifrost/internal/infrastructure/logging"
	"github.com/nerrad567/bifrost/internal/settings"
)

// mockBridge is a test implementation of Bridge.
type mockBridge struct {
	mu           sync.Mutex
	configureErr error
	prefsErr     error
	submitted    []settings.MQTTConfig
	prefs        settings.StartupPreferences
	status       bridge.Status
}

func (m *mockBridge) Configure(_ context.Context, candidate settings.MQTTConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, candidate)
	if m.configureErr != nil {
		return "", m.configureErr
	}
	return bridge.MessageConfigured, nil
}

func (m *mockBridge) SetStartupPreferences(_ context.Context, openAtLogin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefsErr != nil {
		return m.prefsErr
	}
	m.prefs.OpenAtLogin = openAtLogin
	return nil
}

func (m *mockBridge) StartupPreferences(context.Context) (settings.StartupPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs, m.prefsErr
}

func (m *mockBridge) Status() bridge.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// testServer creates a Server backed by a mockBridge and a running hub.
// The hub is shared so Start does not run a second one.
func testServer(t *testing.T) (*Server, *mockBridge) {
	t.Helper()

	mb := &mockBridge{prefs: settings.DefaultStartupPreferences()}
	srv, err := New(Deps{
		Hub: newTestHub(t),
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS:      testWSConfig(),
		Logger:  testLogger(),
		Bridge:  mb,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, mb
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal error body %q: %v", w.Body.String(), err)
	}
	return e
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{Bridge: &mockBridge{}}); err == nil {
		t.Error("New() without logger: expected error")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without bridge: expected error")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "")

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/config/mqtt", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://127.0.0.1:8765"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q for disallowed origin", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := do(t, h, http.MethodGet, "/", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	srv, _ := testServer(t)
	body := `{"url":"` + strings.Repeat("a", maxRequestBodySize) + `"}`

	w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/config/mqtt", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/nonexistent", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if e := decodeError(t, w); e.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
	}
}

func TestPanelServedAtRoot(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodGet, "/", "")

	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<!DOCTYPE html>") {
		t.Error("GET / did not serve the configuration page")
	}
}

// ─── Config Endpoint Tests ─────────────────────────────────────────

const validConfigBody = `{"url":"mqtt://broker:1883","username":"u","password":"p","baseTopic":"home/office"}`

func TestSubmitMQTTConfig_Accepted(t *testing.T) {
	srv, mb := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/config/mqtt", validConfigBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp configResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Message != "MQTT configured successfully!" {
		t.Errorf("message = %q", resp.Message)
	}

	want := settings.MQTTConfig{URL: "mqtt://broker:1883", Username: "u", Password: "p", BaseTopic: "home/office"}
	if len(mb.submitted) != 1 || mb.submitted[0] != want {
		t.Errorf("submitted = %+v, want [%+v]", mb.submitted, want)
	}
}

func TestSubmitMQTTConfig_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantMsg  string
	}{
		{
			name:     "invalid config",
			err:      bridge.ErrInvalidConfig,
			wantCode: ErrCodeValidation,
			wantMsg:  "Invalid MQTT config!",
		},
		{
			name:     "unreachable broker",
			err:      &bridge.ConnectivityError{Broker: "mqtt://broker:1883", Err: errors.New("connect ECONNREFUSED 127.0.0.1:1883")},
			wantCode: ErrCodeConnectivity,
			wantMsg:  "connect ECONNREFUSED 127.0.0.1:1883",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, mb := testServer(t)
			mb.configureErr = tt.err

			w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/config/mqtt", validConfigBody)
			if w.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", w.Code)
			}
			e := decodeError(t, w)
			if e.Status != http.StatusUnprocessableEntity || e.Code != tt.wantCode || e.Message != tt.wantMsg {
				t.Errorf("error = %+v, want code %q message %q", e, tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestSubmitMQTTConfig_StoreFailure(t *testing.T) {
	srv, mb := testServer(t)
	mb.configureErr = errors.New("saving MQTT config: disk full")

	w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/config/mqtt", validConfigBody)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestSubmitMQTTConfig_InvalidJSON(t *testing.T) {
	srv, mb := testServer(t)
	w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/config/mqtt", "{not json")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(mb.submitted) != 0 {
		t.Error("invalid JSON reached the bridge")
	}
}

func TestStartupPreferences(t *testing.T) {
	srv, mb := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/startup", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"openAtLogin":true`) {
		t.Fatalf("GET startup = %d %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodPut, "/api/v1/config/startup", `{"openAtLogin":false}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT startup status = %d, want 204", w.Code)
	}
	if mb.prefs.OpenAtLogin {
		t.Error("preference not applied")
	}

	w = do(t, router, http.MethodGet, "/api/v1/startup", "")
	if !strings.Contains(w.Body.String(), `"openAtLogin":false`) {
		t.Errorf("GET startup after PUT = %s", w.Body.String())
	}
}

func TestStartupPreferences_Invalid(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	for _, body := range []string{`{}`, `{"openAtLogin":"yes"}`, `nope`} {
		if w := do(t, router, http.MethodPut, "/api/v1/config/startup", body); w.Code != http.StatusBadRequest {
			t.Errorf("PUT %s status = %d, want 400", body, w.Code)
		}
	}
}

func TestStartupPreferences_StoreFailure(t *testing.T) {
	srv, mb := testServer(t)
	mb.prefsErr = errors.New("locked")

	if w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/config/startup", `{"openAtLogin":true}`); w.Code != http.StatusInternalServerError {
		t.Errorf("PUT status = %d, want 500", w.Code)
	}
	if w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/startup", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("GET status = %d, want 500", w.Code)
	}
}

func TestStatus(t *testing.T) {
	srv, mb := testServer(t)
	level := 42
	mb.status = bridge.Status{
		State:      bridge.StateConnected,
		BrokerURL:  "mqtt://broker:1883",
		Username:   "u",
		BaseTopic:  "home/office",
		LastVolume: &level,
	}

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got bridge.Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.State != bridge.StateConnected || got.BaseTopic != "home/office" || got.LastVolume == nil || *got.LastVolume != 42 {
		t.Errorf("status = %+v", got)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("status exposes a password field")
	}
}

func TestMetrics(t *testing.T) {
	srv, mb := testServer(t)
	mb.status = bridge.Status{State: bridge.StateConnected}

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.MQTT.Connected || m.MQTT.State != "connected" || m.Version != "test" {
		t.Errorf("metrics = %+v", m)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime metrics missing")
	}
}

// ─── WebSocket Hub Tests ───────────────────────────────────────────

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return wsMsg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}
	return WSMessage{}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := newTestHub(t)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{ChannelConfigRejected: {}},
	}
	hub.Register(client)

	hub.ConfigRejected("Invalid MQTT config!")

	msg := receive(t, client)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelConfigRejected {
		t.Errorf("message = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["message"] != "Invalid MQTT config!" {
		t.Errorf("payload = %v", msg.Payload)
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := newTestHub(t)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{ChannelVolumeChanged: {}},
	}
	hub.Register(client)

	hub.ConfigAccepted("MQTT configured successfully!")

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_VolumeChanged(t *testing.T) {
	hub := newTestHub(t)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{ChannelVolumeChanged: {}},
	}
	hub.Register(client)

	hub.VolumeChanged("home/office", 37, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	msg := receive(t, client)
	payload, _ := msg.Payload.(map[string]any)
	if payload["baseTopic"] != "home/office" || payload["level"] != float64(37) {
		t.Errorf("payload = %v", msg.Payload)
	}
	if payload["at"] != "2026-03-01T12:00:00Z" {
		t.Errorf("at = %v", payload["at"])
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub(t)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

// TestWebSocket_EndToEnd subscribes over a real connection and receives a
// configuration outcome.
func TestWebSocket_EndToEnd(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn, resp, err := dialWS(ts, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{ChannelConfigAccepted}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	srv.hub.ConfigAccepted("MQTT configured successfully!")

	var ev WSMessage
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.EventType != ChannelConfigAccepted {
		t.Errorf("event = %+v", ev)
	}
}

func dialWS(ts *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestWebSocket_OriginCheck(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  func(ts *httptest.Server) string
		wantOK  bool
	}{
		{"listed origin", []string{"http://127.0.0.1:8765"}, func(*httptest.Server) string { return "http://127.0.0.1:8765" }, true},
		{"unlisted origin", []string{"http://127.0.0.1:8765"}, func(*httptest.Server) string { return "http://evil.example" }, false},
		{"wildcard list", []string{"*"}, func(*httptest.Server) string { return "http://evil.example" }, true},
		{"no origin header", []string{"http://127.0.0.1:8765"}, func(*httptest.Server) string { return "" }, true},
		{"same host without list", nil, func(ts *httptest.Server) string { return ts.URL }, true},
		{"cross site without list", nil, func(*httptest.Server) string { return "http://evil.example" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t)
			srv.cfg.CORS.AllowedOrigins = tt.allowed
			ts := httptest.NewServer(srv.buildRouter())
			defer ts.Close()

			conn, resp, err := dialWS(ts, tt.origin(ts))
			if resp != nil {
				defer resp.Body.Close()
			}
			if tt.wantOK {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("dial succeeded for a refused origin")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("handshake response = %v, want 403", resp)
			}
			if n := srv.hub.ClientCount(); n != 0 {
				t.Errorf("ClientCount() = %d after refused handshake", n)
			}
		})
	}
}

func TestWebSocket_UnknownMessageType(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn, resp, err := dialWS(ts, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: "ping", ID: "7"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply WSMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != WSTypeError || reply.ID != "7" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestHub_UnregisterAfterRun(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{ChannelVolumeChanged: {}},
	}
	hub.Register(client)

	cancel()
	<-done
	if _, ok := <-client.send; ok {
		t.Fatal("send channel still open after Run returned")
	}

	// None of these may send on the closed channel.
	hub.Unregister(client)
	hub.VolumeChanged("home", 10, time.Now())
	client.reply("1", WSTypeResponse, nil)

	if n := hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d", n)
	}
}

func TestServerStartAndClose(t *testing.T) {
	srv, _ := testServer(t)
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start: expected error")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if srv.Addr() == nil {
		t.Fatal("Addr() nil after Start")
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
