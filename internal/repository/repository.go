package repository

import (
	"context"
	"database/sql"
	"time"

	"callisto_daemon/internal/models"
)

type Authorization interface {
	Create(username, hash string) (int, error)
	GetByUsername(username string) (*models.Operator, error)
}

type StateRepo interface {
	Save(ctx context.Context, s models.DaemonState) error
	Load(ctx context.Context) (models.DaemonState, error)
}

type EventRepo interface {
	Append(ctx context.Context, e models.DaemonEvent) error
	List(ctx context.Context, from, to time.Time, typ string) ([]models.DaemonEvent, error)
}

// ArchiveRepo stores flushed buffers when the sqlite output format is active.
type ArchiveRepo interface {
	SaveBuffer(ctx context.Context, b *models.Buffer, header string) error
	CountBuffers(ctx context.Context) (int, error)
}

type Repository struct {
	StateRepo StateRepo
	EventRepo EventRepo
	Auth      Authorization
	Archive   ArchiveRepo
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		StateRepo: NewStateSQLite(db),
		EventRepo: NewEventSQLite(db),
		Auth:      NewOperatorRepository(db),
		Archive:   NewArchiveSQLite(db),
	}
}
