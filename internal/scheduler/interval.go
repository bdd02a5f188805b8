package scheduler

import (
	"strconv"
	"strings"
	"time"
)

// ParseIntervalDuration parses kline intervals such as "15m", "1h", "4h", "1d", "1w".
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// Backoff doubles the previous delay, starting from base and capped at max.
func Backoff(prev, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	next := base
	if prev > 0 {
		next = prev * 2
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}
