package main

import (
	"bytes"
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestCheckSchedule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.cfg")
	body := "# daily\n04:00:00,59,3\n12:00:00,59,8\n12:00:00,59,4\n19:30:00,59,0\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-schedule", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := out.String()
	for _, want := range []string{"warning: 12:00:00", "12:00:00  focus 59  mode 4 SPECTRAL_OVERVIEW", "3 entries"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestCheckSchedule_RejectsBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.cfg")
	if err := os.WriteFile(path, []byte("25:00:00,59,3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-schedule", path})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for out-of-range time")
	}
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetIn(strings.NewReader("s3cret\n"))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-password"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestSourcesAreGofmted(t *testing.T) {
	files := []string{
		"tools.go",
		"../internal/command/request.go",
		"../internal/handlers/auth.go",
		"../internal/handlers/logs.go",
	}
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		got, err := format.Source(src)
		if err != nil {
			t.Fatalf("format %s: %v", path, err)
		}
		if !bytes.Equal(got, src) {
			t.Errorf("%s is not gofmt-formatted", path)
		}
	}
}
