package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"callisto_daemon/internal/models"
	"callisto_daemon/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastGenUsername string
	lastGenPassword string
	lastParseToken  string
}

func (m *mockAuth) EnsureOperator(username, passwordHash string) error { return nil }
func (m *mockAuth) GenerateToken(username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockModes struct {
	mu      sync.Mutex
	current service.Snapshot

	transitionErr error
	focusErr      error
	formatErr     error
	reloadN       int
	reloadErr     error

	lastReq     service.TransitionRequest
	lastFocus   int
	lastFormat  string
	transitions int
	reloads     int
}

func (m *mockModes) RequestTransition(ctx context.Context, req service.TransitionRequest) (models.StateChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions++
	m.lastReq = req
	if m.transitionErr != nil {
		return models.StateChange{}, m.transitionErr
	}
	ch := models.StateChange{
		From: m.current.Mode, To: req.Mode,
		FromFocus: m.current.FocusCode, ToFocus: req.FocusCode,
		Source: req.Source, OccurredAt: time.Now().UTC(),
	}
	m.current.Mode = req.Mode
	m.current.FocusCode = req.FocusCode
	return ch, nil
}

func (m *mockModes) SetFocus(ctx context.Context, focus int, src models.TransitionSource) (models.StateChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFocus = focus
	if m.focusErr != nil {
		return models.StateChange{}, m.focusErr
	}
	ch := models.StateChange{From: m.current.Mode, To: m.current.Mode, FromFocus: m.current.FocusCode, ToFocus: focus, Source: src}
	m.current.FocusCode = focus
	return ch, nil
}

func (m *mockModes) SetOutputFormat(ctx context.Context, format string, src models.TransitionSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFormat = format
	if m.formatErr != nil {
		return m.formatErr
	}
	m.current.OutputFormat = format
	return nil
}

func (m *mockModes) ReloadSchedule(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	return m.reloadN, m.reloadErr
}

func (m *mockModes) Current() service.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

type mockMonitoring struct {
	status models.Status
	err    error
}

func (m *mockMonitoring) GetStatus(ctx context.Context) (models.Status, error) {
	return m.status, m.err
}

type mockEventLog struct {
	resp     []models.DaemonEvent
	err      error
	lastFrom time.Time
	lastTo   time.Time
	lastType string
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]models.DaemonEvent, error) {
	m.lastFrom = f.From
	m.lastTo = f.To
	m.lastType = f.Type
	return m.resp, m.err
}

func (m *mockEventLog) Record(ctx context.Context, typ, description string, meta any) {}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil, Options{AuthEnabled: true}, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
