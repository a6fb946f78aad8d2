package models

import (
	"testing"
	"time"
)

func TestModeFromCode(t *testing.T) {
	cases := []struct {
		code      int
		wantErr   bool
		spare     bool
		acquiring bool
	}{
		{0, false, false, false},
		{1, false, true, false},
		{2, false, false, true},
		{3, false, false, true},
		{4, false, false, true},
		{5, false, true, false},
		{6, false, true, false},
		{7, false, false, false},
		{8, false, false, true},
		{9, false, true, false},
		{10, true, false, false},
		{-1, true, false, false},
	}
	for _, tc := range cases {
		m, err := ModeFromCode(tc.code)
		if (err != nil) != tc.wantErr {
			t.Fatalf("code %d: err=%v wantErr=%v", tc.code, err, tc.wantErr)
		}
		if err != nil {
			continue
		}
		if m.Spare() != tc.spare {
			t.Fatalf("code %d: spare=%v want %v", tc.code, m.Spare(), tc.spare)
		}
		if m.Acquiring() != tc.acquiring {
			t.Fatalf("code %d: acquiring=%v want %v", tc.code, m.Acquiring(), tc.acquiring)
		}
	}
}

func TestBuffer_AcceptsOnlySameModeAndFocus(t *testing.T) {
	b := &Buffer{Mode: ModeContinuous, FocusCode: 59}
	if !b.Accepts(Sample{Mode: ModeContinuous, FocusCode: 59}) {
		t.Fatalf("expected same mode/focus to be accepted")
	}
	if b.Accepts(Sample{Mode: ModeCalibration, FocusCode: 59}) {
		t.Fatalf("mode change must not be accepted")
	}
	if b.Accepts(Sample{Mode: ModeContinuous, FocusCode: 1}) {
		t.Fatalf("focus change must not be accepted")
	}
	b.Close(time.Now(), FlushWindow)
	if b.Accepts(Sample{Mode: ModeContinuous, FocusCode: 59}) {
		t.Fatalf("closed buffer must not accept")
	}
}

func TestScheduleEntry_ClockAndTimeOfDay(t *testing.T) {
	e := ScheduleEntry{At: 19*time.Hour + 30*time.Minute, FocusCode: 59, Mode: ModeIdle}
	if e.String() != "19:30:00,59,0" {
		t.Fatalf("got %q", e.String())
	}
	ts := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	if got := TimeOfDay(ts); got != 12*time.Hour+5*time.Second {
		t.Fatalf("TimeOfDay = %v", got)
	}
}

func TestRelayForFocus(t *testing.T) {
	want := map[int]RelayPosition{0: RelayTsky, 1: RelayTcold, 2: RelayTwarm, 3: RelayThot, 4: RelayTestX, 5: RelayTsky, 59: RelayTsky}
	for fc, w := range want {
		if got := RelayForFocus(fc); got != w {
			t.Fatalf("focus %d: got %s want %s", fc, got, w)
		}
	}
}
