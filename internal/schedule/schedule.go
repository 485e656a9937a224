// Package schedule parses run-trigger specs shared by the daemon (to arm
// them) and the config layer (to reject bad ones before commit).
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind discriminates how a spec was interpreted.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Schedule is a parsed run trigger: either a standard 5-field cron
// expression or a fixed interval.
type Schedule struct {
	Kind   Kind
	Every  time.Duration // set for KindInterval
	Cron   cron.Schedule // set for KindCron
	Source string        // "cron" or "duration", for logging
}

// Parse accepts "*/30 * * * *", "15m", or the explicit prefixes
// "cron:<expr>" and "interval:<duration>".
func Parse(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("empty schedule spec")
	}

	if rest, ok := strings.CutPrefix(s, "cron:"); ok {
		return parseCron(rest)
	}
	if rest, ok := strings.CutPrefix(s, "interval:"); ok {
		return parseInterval(rest)
	}

	if sched, err := parseInterval(s); err == nil {
		return sched, nil
	}
	return parseCron(s)
}

func parseInterval(s string) (Schedule, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return Schedule{}, err
	}
	if d < time.Minute {
		return Schedule{}, fmt.Errorf("interval %s too short (min 1m)", d)
	}
	return Schedule{Kind: KindInterval, Every: d, Source: "duration"}, nil
}

func parseCron(s string) (Schedule, error) {
	sched, err := cron.ParseStandard(strings.TrimSpace(s))
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", s, err)
	}
	return Schedule{Kind: KindCron, Cron: sched, Source: "cron"}, nil
}
