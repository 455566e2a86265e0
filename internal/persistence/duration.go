package persistence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

var ErrInvalidISODuration = errors.New("invalid ISO-8601 duration")

// ParseISODuration parses durations such as "P7D", "PT12H" or "P1DT30M".
// Years and months are rejected since their length is not fixed.
func ParseISODuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "P" || strings.HasSuffix(s, "T") || strings.Contains(s, "-") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidISODuration, s)
	}

	d, err := duration.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidISODuration, s, err)
	}
	if d.Negative {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidISODuration, s)
	}
	if d.Years != 0 || d.Months != 0 {
		return 0, fmt.Errorf("%w: %q uses years or months", ErrInvalidISODuration, s)
	}
	return d.ToTimeDuration(), nil
}
