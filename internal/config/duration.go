package config

import (
	"fmt"
	"strings"
	"time"
)

// parseDuration parses an optional Go duration string. Empty means zero,
// which downstream configs interpret as "use the default". Negative values
// are rejected because no timing knob here can be negative.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
