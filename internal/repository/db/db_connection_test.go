package db

import (
	"context"
	"testing"
	"time"

	"callisto_daemon/internal/models"
	"callisto_daemon/internal/repository"
)

func TestInitDB_InMemorySessionStore(t *testing.T) {
	conn, err := InitDB("file:initdb_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer conn.Close()

	repos := repository.NewRepository(conn)
	c := context.Background()
	now := time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC)

	want := models.DaemonState{Mode: models.ModeContinuous, FocusCode: 59, OutputFormat: "csv", Source: models.SourceStartup, UpdatedAt: now}
	if err := repos.StateRepo.Save(c, want); err != nil {
		t.Fatalf("save state: %v", err)
	}
	got, err := repos.StateRepo.Load(c)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if got.Mode != want.Mode || got.FocusCode != 59 || got.Source != models.SourceStartup {
		t.Fatalf("state = %+v", got)
	}

	for i, typ := range []string{models.EventStateChanged, models.EventError, models.EventStateChanged} {
		if err := repos.EventRepo.Append(c, models.DaemonEvent{OccurredAt: now.Add(time.Duration(i) * time.Minute), Type: typ, Description: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	evs, err := repos.EventRepo.List(c, now, now.Add(time.Hour), models.EventStateChanged)
	if err != nil || len(evs) != 2 {
		t.Fatalf("list = %v, %v", evs, err)
	}

	if _, err := repos.Auth.Create("observer", "hash"); err != nil {
		t.Fatalf("create operator: %v", err)
	}
	if u, err := repos.Auth.GetByUsername("observer"); err != nil || u == nil {
		t.Fatalf("operator = %+v, %v", u, err)
	}

	b := &models.Buffer{ID: "b1", Start: now, End: now, Mode: models.ModeContinuous, FocusCode: 59}
	b.Append(models.Sample{Time: now, Raw: []uint8{9}, Values: []float64{9}, Mode: models.ModeContinuous, FocusCode: 59})
	b.Close(now.Add(time.Second), models.FlushTransition)
	if err := repos.Archive.SaveBuffer(c, b, "{}"); err != nil {
		t.Fatalf("save buffer: %v", err)
	}
	if n, err := repos.Archive.CountBuffers(c); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}
