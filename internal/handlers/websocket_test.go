package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"callisto_daemon/internal/models"
	"callisto_daemon/internal/publisher"
	"callisto_daemon/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// --- parseInterval unit tests ---

func TestParseInterval(t *testing.T) {
	h := NewHandler(&service.Service{}, nil, Options{}, nil)

	cases := []struct {
		name string
		u    string
		want time.Duration
	}{
		{"default_when_missing", "/ws", 1 * time.Second},
		{"interval_string_valid", "/ws?interval=200ms", 200 * time.Millisecond},
		{"interval_ms_valid", "/ws?interval_ms=150", 150 * time.Millisecond},
		{"interval_too_large", "/ws?interval=20s", 1 * time.Second},
		{"interval_ms_too_large", "/ws?interval_ms=20000", 1 * time.Second},
		{"interval_invalid_string", "/ws?interval=bogus", 1 * time.Second},
		{"interval_ms_invalid", "/ws?interval_ms=NaN", 1 * time.Second},
		{"both_present_interval_wins", "/ws?interval=2s&interval_ms=150", 2 * time.Second},
		{"both_present_invalid_interval_ms_used", "/ws?interval=bogus&interval_ms=250", 250 * time.Millisecond},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.u, nil)
			c, _ := gin.CreateTestContext(w)
			c.Request = req
			got := h.parseInterval(c)
			if got != tc.want {
				t.Fatalf("got %v, want %v for %s", got, tc.want, tc.u)
			}
		})
	}
}

// --- websocket integration tests ---

func wsURL(t *testing.T, srv *httptest.Server, path string, q url.Values) string {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = path
	u.RawQuery = q.Encode()
	return u.String()
}

func TestWebSocket_StatusStream_InitialAndPeriodic(t *testing.T) {
	mon := &mockMonitoring{status: models.Status{
		Mode:       "CONTINUOUS",
		ModeCode:   3,
		FocusCode:  59,
		BufferFill: 42,
	}}
	s := &service.Service{Monitoring: mon}

	r := gin.New()
	h := NewHandler(s, nil, Options{}, nil)
	r.GET("/ws/status", h.wsStatus)

	srv := httptest.NewServer(r)
	defer srv.Close()

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL(t, srv, "/ws/status", url.Values{"interval_ms": {"20"}}), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	type envelope struct {
		Type  string          `json:"type"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}

	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if env.Type != "status" || len(env.Data) == 0 {
		t.Fatalf("bad envelope: %+v", env)
	}
	var st models.Status
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.ModeCode != 3 || st.FocusCode != 59 || st.BufferFill != 42 {
		t.Fatalf("unexpected status: %+v", st)
	}

	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	env = envelope{}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if env.Type != "status" {
		t.Fatalf("expected type=status, got %+v", env)
	}
}

func TestWebSocket_InitialGetStatusError_Closes(t *testing.T) {
	mon := &mockMonitoring{err: errors.New("boom")}
	s := &service.Service{Monitoring: mon}

	r := gin.New()
	h := NewHandler(s, nil, Options{}, nil)
	r.GET("/ws/status", h.wsStatus)

	srv := httptest.NewServer(r)
	defer srv.Close()

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL(t, srv, "/ws/status", nil), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	var raw json.RawMessage
	if err := conn.ReadJSON(&raw); err == nil {
		t.Fatalf("expected read error (closed), got message: %s", string(raw))
	}
}

func TestWebSocket_LiveDisabledOrUnknownTopic(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := NewHandler(&service.Service{}, nil, Options{}, nil).InitRoutes()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/live", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without publisher, got %d", w.Code)
	}

	pub := publisher.New("callisto", "TEST", 8, nil)
	r = NewHandler(&service.Service{}, pub, Options{}, nil).InitRoutes()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/live?topic=other.samples", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown topic, got %d", w.Code)
	}
}

func TestWebSocket_LiveRelaysStateFrames(t *testing.T) {
	pub := publisher.New("callisto", "TEST", 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.Start(ctx)
	defer pub.Close()

	r := gin.New()
	h := NewHandler(&service.Service{}, pub, Options{}, nil)
	r.GET("/ws/live", h.wsLive)

	srv := httptest.NewServer(r)
	defer srv.Close()

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL(t, srv, "/ws/live", url.Values{"topic": {pub.StateTopic()}}), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	// The subscription is attached before the upgrade completes.
	pub.PublishState(models.StateChange{From: models.ModeIdle, To: models.ModeContinuous, ToFocus: 59, Source: models.SourceCommand})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.TextMessage {
		t.Fatalf("message type=%d, want text", typ)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v (%s)", err, payload)
	}
	if frame["kind"] != "state" {
		t.Fatalf("unexpected frame: %s", payload)
	}
}
