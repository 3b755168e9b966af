package clock

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	tod, err := ParseTimeOfDay("23:59")
	if err != nil {
		t.Fatalf("ParseTimeOfDay error: %v", err)
	}
	if tod.Hour != 23 || tod.Minute != 59 {
		t.Fatalf("unexpected result: %v", tod)
	}

	for _, raw := range []string{"24:00", "12:60", "noon", "12", "-1:30"} {
		if _, err := ParseTimeOfDay(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestUntilNextSameDay(t *testing.T) {
	t.Parallel()
	// 22:00 with a 23:59 target fires the same day, 1h59m later.
	now := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	d := UntilNext(now, TimeOfDay{Hour: 23, Minute: 59})
	if d != 1*time.Hour+59*time.Minute {
		t.Fatalf("UntilNext = %v, want 1h59m", d)
	}
	target := NextOccurrence(now, TimeOfDay{Hour: 23, Minute: 59})
	if target.Day() != now.Day() {
		t.Fatalf("expected same-day target, got %v", target)
	}
}

func TestUntilNextAlreadyPast(t *testing.T) {
	t.Parallel()
	// 23:59:30 with a 23:59 target rolls to tomorrow.
	now := time.Date(2025, 3, 10, 23, 59, 30, 0, time.UTC)
	at := TimeOfDay{Hour: 23, Minute: 59}
	d := UntilNext(now, at)
	if d != 23*time.Hour+59*time.Minute+30*time.Second {
		t.Fatalf("UntilNext = %v, want 23h59m30s", d)
	}
	target := NextOccurrence(now, at)
	if target.Day() != 11 || target.Hour() != 23 || target.Minute() != 59 {
		t.Fatalf("unexpected target %v", target)
	}
}

func TestUntilNextExactTargetFiresImmediately(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	if d := UntilNext(now, TimeOfDay{Hour: 23, Minute: 59}); d != 0 {
		t.Fatalf("UntilNext at exact target = %v, want 0", d)
	}
}

func TestUntilNextRange(t *testing.T) {
	t.Parallel()
	at := TimeOfDay{Hour: 23, Minute: 59}
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// Sweep a day in uneven steps; delay must stay in [0, 24h) and land on
	// 23:59:00.000 of the correct calendar day.
	for i := 0; i < 24*60; i += 7 {
		now := base.Add(time.Duration(i) * time.Minute).Add(13 * time.Second)
		d := UntilNext(now, at)
		if d < 0 || d >= 24*time.Hour {
			t.Fatalf("UntilNext(%v) = %v, out of [0, 24h)", now, d)
		}
		fire := now.Add(d)
		if fire.Hour() != 23 || fire.Minute() != 59 || fire.Second() != 0 || fire.Nanosecond() != 0 {
			t.Fatalf("now+delay = %v, not at 23:59:00.000", fire)
		}
	}
}

func TestNextOccurrenceAcrossDSTSpring(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2025-03-09 02:00 EST -> 03:00 EDT (23-hour day). Arm at 01:00 for a
	// 00:30 target: today's target is already past, so the next occurrence
	// is 00:30 on the 10th local wall time, not "now + 24h".
	now := time.Date(2025, 3, 9, 1, 0, 0, 0, loc)
	target := NextOccurrence(now, TimeOfDay{Hour: 0, Minute: 30})
	if target.Day() != 10 || target.Hour() != 0 || target.Minute() != 30 {
		t.Fatalf("unexpected target %v", target)
	}
	// Naive wall arithmetic says 23h30m; the skipped hour makes it 22h30m real.
	if d := target.Sub(now); d != 22*time.Hour+30*time.Minute {
		t.Fatalf("expected 22h30m real duration, got %v", d)
	}
}

func TestNextOccurrenceAcrossDSTFall(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2025-11-02 02:00 EDT -> 01:00 EST (25-hour day). Wall-clock target
	// must still be honored after re-deriving in local time.
	now := time.Date(2025, 11, 1, 23, 0, 0, 0, loc)
	target := NextOccurrence(now, TimeOfDay{Hour: 22, Minute: 0})
	if target.Day() != 2 || target.Hour() != 22 || target.Minute() != 0 {
		t.Fatalf("unexpected target %v", target)
	}
	if d := target.Sub(now); d != 24*time.Hour {
		// 23:00 -> 22:00 next day across a fall-back day is 24 real hours.
		t.Fatalf("expected 24h real duration, got %v", d)
	}
}
