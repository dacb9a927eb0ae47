package scheduler

import (
	"context"
	"sort"
	"testing"
	"time"

	logx "slotgate/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "30 */5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:90s", kind: SpecInterval, source: "duration", duration: 90 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:", "interval:-5m", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"*/5 * * * *", "cron:0 30 3 * * *", "@hourly", "10m", "02:30"} {
		if err := ValidateSpec(raw); err != nil {
			t.Fatalf("ValidateSpec(%q) error: %v", raw, err)
		}
	}
	for _, raw := range []string{"cron:61 * * * *", "cron:bogus", ""} {
		if err := ValidateSpec(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func snapshotNames(s *Service) []string {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap.Schedules))
	for _, it := range snap.Schedules {
		names = append(names, it.Name)
	}
	sort.Strings(names)
	return names
}

func TestAddScheduleValidation(t *testing.T) {
	t.Parallel()

	s := New(Config{}, func(string, string) error { return nil }, logx.Nop())
	if err := s.AddSchedule(Binding{Name: "", Rule: "r", Spec: "5m"}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.AddSchedule(Binding{Name: "a", Rule: "", Spec: "5m"}); err == nil {
		t.Fatal("expected error for empty rule")
	}
	if err := s.AddSchedule(Binding{Name: "a", Rule: "r", Spec: "whenever"}); err == nil {
		t.Fatal("expected error for bad spec")
	}
	if err := s.AddSchedule(Binding{Name: "a", Rule: "r", Spec: "cron:61 * * * *"}); err == nil {
		t.Fatal("expected error for bad cron expression")
	}
	if got := snapshotNames(s); len(got) != 0 {
		t.Fatalf("rejected bindings must not register, got %v", got)
	}
}

func TestSyncUpsertsAndRemoves(t *testing.T) {
	t.Parallel()

	s := New(Config{}, func(string, string) error { return nil }, logx.Nop())

	if err := s.AddSchedule(Binding{Name: "nightly", Rule: "docs", Spec: "cron:0 30 3 * * *"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule(Binding{Name: "often", Rule: "assets", Spec: "15m"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	// Not started yet: definitions exist, no next-run times.
	snap := s.Snapshot()
	if len(snap.Schedules) != 2 {
		t.Fatalf("schedules = %d, want 2", len(snap.Schedules))
	}
	for _, it := range snap.Schedules {
		if !it.Next.IsZero() {
			t.Fatalf("schedule %s has next run before Start", it.Name)
		}
	}

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	snap = s.Snapshot()
	for _, it := range snap.Schedules {
		if it.Next.IsZero() {
			t.Fatalf("schedule %s has no next run after Start", it.Name)
		}
	}

	// Upsert "often" with a new rule, add "hourly", drop "nightly".
	err := s.Sync([]Binding{
		{Name: "often", Rule: "docs", Spec: "15m"},
		{Name: "hourly", Rule: "assets", Spec: "@hourly"},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	want := []string{"hourly", "often"}
	got := snapshotNames(s)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("schedules after Sync = %v, want %v", got, want)
	}
	for _, it := range s.Snapshot().Schedules {
		if it.Name == "often" && it.Rule != "docs" {
			t.Fatalf("often not rebound, rule = %s", it.Rule)
		}
	}

	if !s.Remove("hourly") {
		t.Fatal("Remove(hourly) = false, want true")
	}
	if s.Remove("hourly") {
		t.Fatal("second Remove(hourly) = true, want false")
	}
}

func TestSyncKeepsGoingPastBadBinding(t *testing.T) {
	t.Parallel()

	s := New(Config{}, func(string, string) error { return nil }, logx.Nop())
	err := s.Sync([]Binding{
		{Name: "bad", Rule: "r", Spec: "cron:bogus"},
		{Name: "good", Rule: "r", Spec: "5m"},
	})
	if err == nil {
		t.Fatal("expected error from bad binding")
	}
	if got := snapshotNames(s); len(got) != 1 || got[0] != "good" {
		t.Fatalf("schedules = %v, want [good]", got)
	}
}

func TestApplyTimezoneRestart(t *testing.T) {
	t.Parallel()

	s := New(Config{}, func(string, string) error { return nil }, logx.Nop())
	if err := s.AddSchedule(Binding{Name: "often", Rule: "assets", Spec: "30m"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	s.Apply(Config{Timezone: "UTC"})

	snap := s.Snapshot()
	if snap.Timezone != "UTC" {
		t.Fatalf("timezone = %s, want UTC", snap.Timezone)
	}
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatal("schedule lost across timezone restart")
	}
}

func TestStartupSpreadFirstRun(t *testing.T) {
	t.Parallel()

	now := time.Now()
	every := 10 * time.Second
	sched, jitter := makeIntervalScheduleWithSpread(every, now, "assets")
	if jitter < 0 || jitter >= every {
		t.Fatalf("jitter = %v, want [0, %v)", jitter, every)
	}

	first := sched.Next(now)
	if !first.Equal(now.Add(every + jitter)) {
		t.Fatalf("first run = %v, want %v", first, now.Add(every+jitter))
	}
	// After the first run the base interval takes over.
	second := sched.Next(first)
	if !second.After(first) {
		t.Fatalf("second run %v not after first %v", second, first)
	}
}
