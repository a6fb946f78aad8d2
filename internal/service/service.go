package service

import (
	"context"
	"time"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/repository"
)

type Authorization interface {
	EnsureOperator(username, passwordHash string) error
	GenerateToken(username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Modes is the single-writer entry point for every state mutation.
type Modes interface {
	RequestTransition(ctx context.Context, req TransitionRequest) (models.StateChange, error)
	SetFocus(ctx context.Context, focus int, src models.TransitionSource) (models.StateChange, error)
	SetOutputFormat(ctx context.Context, format string, src models.TransitionSource) error
	ReloadSchedule(ctx context.Context) (int, error)
	Current() Snapshot
}

// Monitoring exposes the read-only status view.
type Monitoring interface {
	GetStatus(ctx context.Context) (models.Status, error)
}

// EventLog exposes the session event log.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.DaemonEvent, error)
	Record(ctx context.Context, typ, description string, meta any)
}

// TransitionRequest asks for a mode and focus code.
type TransitionRequest struct {
	Mode      models.Mode
	FocusCode int
	Source    models.TransitionSource
}

// LogFilter supports history filtering by time range and type.
type LogFilter struct {
	From time.Time // inclusive; zero means no lower bound
	To   time.Time // inclusive; zero means no upper bound
	Type string    // "", "STATE_CHANGED", "TRANSITION_REJECTED", ...
}

type Service struct {
	Modes
	Monitoring
	EventLog
	Authorization
}

// NewService aggregates the daemon services behind the HTTP and command
// surfaces. The mode service and monitoring service are built by the caller
// since they depend on live acquisition components.
func NewService(repos *repository.Repository, modes Modes, monitoring Monitoring, auth AuthOptions, log *logger.Logger) *Service {
	return &Service{
		Modes:         modes,
		Monitoring:    monitoring,
		EventLog:      NewEventLogService(repos.EventRepo, log),
		Authorization: NewAuthService(repos.Auth, auth),
	}
}
