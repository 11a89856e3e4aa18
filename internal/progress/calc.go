package progress

import (
	"fmt"
	"math"
	"time"
)

// UnknownETA is reported when no rate has been observed yet.
const UnknownETA time.Duration = -1

// Stats is a point-in-time progress snapshot. Units of Done and Total are up
// to the caller (chunks or bytes); Rate is in the same units per second.
type Stats struct {
	Done    int64
	Total   int64
	Percent float64
	Rate    float64
	Elapsed time.Duration
	ETA     time.Duration
}

// Compute derives percent, average rate and ETA. Percent is clamped to
// [0, 100]; ETA is UnknownETA until something has been done over a positive
// elapsed time.
func Compute(done, total int64, elapsed time.Duration) Stats {
	s := Stats{Done: done, Total: total, Elapsed: elapsed, ETA: UnknownETA}
	if total > 0 {
		s.Percent = float64(done) / float64(total) * 100
	}
	if s.Percent < 0 {
		s.Percent = 0
	}
	if s.Percent > 100 {
		s.Percent = 100
	}
	if done <= 0 || elapsed <= 0 {
		return s
	}
	s.Rate = float64(done) / elapsed.Seconds()
	if done >= total {
		s.ETA = 0
		return s
	}
	remaining := float64(total - done)
	s.ETA = time.Duration(remaining / s.Rate * float64(time.Second))
	return s
}

// FormatSize renders a byte count with decimal units: "0 B", "999 B",
// "1.50 KB", "1.50 MB".
func FormatSize(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	v := float64(n) / 1000
	i := 0
	// Compare after rounding so 999999 becomes "1.00 MB", not "1000.00 KB".
	for round2(v) >= 1000 && i < len(units)-1 {
		v /= 1000
		i++
	}
	return fmt.Sprintf("%.2f %s", round2(v), units[i])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// FormatRate renders a bytes-per-second rate.
func FormatRate(bps float64) string {
	if bps <= 0 {
		return "-- /s"
	}
	return FormatSize(int64(bps)) + "/s"
}

// FormatETA renders a remaining duration as "1h02m", "3m05s" or "12s".
func FormatETA(d time.Duration) string {
	if d < 0 {
		return "--"
	}
	secs := int64((d + time.Second/2) / time.Second)
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
