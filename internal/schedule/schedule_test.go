package schedule

import (
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"15m", 15 * time.Minute},
		{" 1h ", time.Hour},
		{"interval:30m", 30 * time.Minute},
		{"interval: 90m", 90 * time.Minute},
	}
	for _, tc := range cases {
		sched, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if sched.Kind != KindInterval || sched.Every != tc.want {
			t.Fatalf("Parse(%q) = %+v, want interval %v", tc.in, sched, tc.want)
		}
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"*/30 * * * *", "cron:0 6 * * 1", "@hourly"} {
		sched, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if sched.Kind != KindCron || sched.Cron == nil {
			t.Fatalf("Parse(%q) = %+v, want a cron schedule", in, sched)
		}
		// A parsed cron schedule must produce a future activation.
		now := time.Now()
		if next := sched.Cron.Next(now); !next.After(now) {
			t.Fatalf("Parse(%q).Next(%v) = %v", in, now, next)
		}
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		"",
		"   ",
		"interval:45s",
		"45s",
		"cron:not a cron",
		"* * *",
		"interval:zzz",
	} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q): expected error", in)
		}
	}
}
