package alerts

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultStatsRange is used when no time range label is given.
const DefaultStatsRange = "24h"

// ErrInvalidTimeRange is returned for labels ParseTimeRange does not accept.
var ErrInvalidTimeRange = errors.New("invalid time range")

var rangeUnits = map[byte]time.Duration{
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseTimeRange converts a coarse label such as "30m", "24h", "7d" or "4w"
// into a duration. The count must be a positive integer and the resulting
// duration must fit in a time.Duration.
func ParseTimeRange(label string) (time.Duration, error) {
	label = strings.TrimSpace(strings.ToLower(label))
	if len(label) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeRange, label)
	}

	unit, ok := rangeUnits[label[len(label)-1]]
	if !ok {
		return 0, fmt.Errorf("%w: %q: unit must be one of m, h, d, w", ErrInvalidTimeRange, label)
	}
	n, err := strconv.Atoi(label[:len(label)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q: count must be a positive integer", ErrInvalidTimeRange, label)
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q: range too large", ErrInvalidTimeRange, label)
	}
	return time.Duration(n) * unit, nil
}
