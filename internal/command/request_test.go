package command

import (
	"errors"
	"testing"

	"callisto_daemon/internal/models"
)

func TestParse(t *testing.T) {
	cases := []struct {
		line string
		want Request
	}{
		{"mode 3", Request{Kind: KindMode, Mode: models.ModeContinuous}},
		{"MODE 8 59", Request{Kind: KindMode, Mode: models.ModeAutoOverview, Focus: 59, FocusSet: true}},
		{"  2  ", Request{Kind: KindMode, Mode: models.ModeCalibration}},
		{"7", Request{Kind: KindMode, Mode: models.ModeTerminating}},
		{"5", Request{Kind: KindMode, Mode: models.Mode(5)}},
		{"start", Request{Kind: KindMode, Mode: models.ModeContinuous}},
		{"stop", Request{Kind: KindMode, Mode: models.ModeIdle}},
		{"overview", Request{Kind: KindMode, Mode: models.ModeSpectralOverview}},
		{"overview-continuous", Request{Kind: KindMode, Mode: models.ModeAutoOverview}},
		{"overview-cont", Request{Kind: KindMode, Mode: models.ModeAutoOverview}},
		{"overview-stop", Request{Kind: KindMode, Mode: models.ModeContinuous}},
		{"overview-off", Request{Kind: KindMode, Mode: models.ModeContinuous}},
		{"focus 1", Request{Kind: KindFocus, Focus: 1}},
		{"format CSV", Request{Kind: KindFormat, Format: "csv"}},
		{"status", Request{Kind: KindStatus}},
		{"get", Request{Kind: KindStatus}},
		{"reload", Request{Kind: KindReload}},
		{"quit", Request{Kind: KindQuit}},
		{"exit", Request{Kind: KindQuit}},
		{"watch", Request{Kind: KindWatch, Watch: true}},
		{"WATCH on", Request{Kind: KindWatch, Watch: true}},
		{"watch off", Request{Kind: KindWatch}},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got, err := Parse(tc.line)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.line, err)
			}
			if got != tc.want {
				t.Fatalf("Parse(%q)=%+v, want %+v", tc.line, got, tc.want)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		line string
		want error
	}{
		{"", ErrEmpty},
		{"   ", ErrEmpty},
		{"launch", ErrUnknownVerb},
		{"12", ErrUnknownVerb},
		{"3 59", ErrUnknownVerb},
		{"mode", ErrBadArgument},
		{"mode x", ErrBadArgument},
		{"mode 10", ErrBadArgument},
		{"mode -1", ErrBadArgument},
		{"mode 3 64", ErrBadArgument},
		{"mode 3 59 1", ErrBadArgument},
		{"focus", ErrBadArgument},
		{"focus 99", ErrBadArgument},
		{"format", ErrBadArgument},
		{"start now", ErrBadArgument},
		{"status please", ErrBadArgument},
		{"watch maybe", ErrBadArgument},
		{"watch on off", ErrBadArgument},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			_, err := Parse(tc.line)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Parse(%q) err=%v, want %v", tc.line, err, tc.want)
			}
		})
	}
}
