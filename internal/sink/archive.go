package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"callisto_daemon/internal/config"
	"callisto_daemon/internal/models"
)

// Archive stores flushed buffers with their JSON header.
type Archive interface {
	SaveBuffer(ctx context.Context, b *models.Buffer, header string) error
}

// ArchiveSink writes buffers into the session database.
type ArchiveSink struct {
	repo       Archive
	instrument string
	obs        config.Observatory
}

func NewArchiveSink(repo Archive, instrument string, obs config.Observatory) *ArchiveSink {
	return &ArchiveSink{repo: repo, instrument: instrument, obs: obs}
}

func (s *ArchiveSink) Name() string { return config.FormatSQLite }

func (s *ArchiveSink) Write(ctx context.Context, b *models.Buffer) error {
	hdr, err := json.Marshal(BuildHeader(b, s.instrument, s.obs))
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	return s.repo.SaveBuffer(ctx, b, string(hdr))
}
