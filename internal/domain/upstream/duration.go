package upstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseISODuration parses the subset of ISO 8601 durations used by
// streamable-HTTP configs: PnDTnHnMnS with integer or fractional
// components. Years and months are rejected (not fixed-length).
func ParseISODuration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", orig)
	}
	s = s[1:]

	datePart := s
	timePart := ""
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
	}
	if datePart == "" && timePart == "" {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", orig)
	}

	var total time.Duration
	consume := func(part string, units map[byte]time.Duration, order string) error {
		for part != "" {
			i := strings.IndexAny(part, order)
			if i < 0 {
				return fmt.Errorf("invalid ISO 8601 duration %q", orig)
			}
			unit, ok := units[part[i]]
			if !ok {
				return fmt.Errorf("unsupported unit %q in duration %q", part[i], orig)
			}
			n, err := strconv.ParseFloat(part[:i], 64)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid component %q in duration %q", part[:i], orig)
			}
			total += time.Duration(n * float64(unit))
			part = part[i+1:]
		}
		return nil
	}

	if err := consume(datePart, map[byte]time.Duration{'D': 24 * time.Hour}, "D"); err != nil {
		return 0, err
	}
	if err := consume(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}, "HMS"); err != nil {
		return 0, err
	}
	return total, nil
}
