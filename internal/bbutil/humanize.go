// Package bbutil has small formatting helpers for command output.
package bbutil

import (
	"fmt"
	"strings"
	"time"
)

// TruncateDuration drops precision from d in proportion to its magnitude,
// e.g. a duration over 1s is truncated at 100ms, over 1m at 1s.
func TruncateDuration(d time.Duration) time.Duration {
	switch {
	case d >= 24*time.Hour:
		return d.Truncate(time.Hour)
	case d >= time.Hour:
		return d.Truncate(time.Minute)
	case d >= time.Minute:
		return d.Truncate(time.Second)
	case d >= time.Second:
		return d.Truncate(100 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Truncate(100 * time.Microsecond)
	case d >= time.Microsecond:
		return d.Truncate(time.Microsecond)
	default:
		return d
	}
}

// HumanizeDuration truncates d and formats it.
func HumanizeDuration(d time.Duration) string {
	dd := TruncateDuration(d)
	s := dd.String()
	switch {
	case dd >= time.Hour && dd%time.Hour == 0:
		s = strings.TrimSuffix(s, "0m0s")
	case dd >= time.Minute && dd%time.Minute == 0:
		s = strings.TrimSuffix(s, "0s")
	}
	return s
}

// HumanizeBytes formats n bytes with KB and MB units of 1024.
func HumanizeBytes[T ~int | ~uint | ~int64 | ~uint64 | ~uint32](n T) string {
	var (
		kib = float64(1024)
		mib = 1024 * kib
		f   = float64(n)
	)
	switch {
	case f < kib:
		return fmt.Sprintf("%.0fB", f)
	case f < 100*kib:
		return fmt.Sprintf("%.1fKB", f/kib)
	case f < mib:
		return fmt.Sprintf("%.0fKB", f/kib)
	case f < 100*mib:
		return fmt.Sprintf("%.1fMB", f/mib)
	default:
		return fmt.Sprintf("%.0fMB", f/mib)
	}
}

// HumanizeCount formats a count in at most four or five characters, e.g.
// "812", "5.1K", "32K", "1M+".
func HumanizeCount(n uint64) string {
	f := float64(n)
	switch {
	case n >= 1_000_000:
		return "1M+"
	case n >= 10_000:
		return fmt.Sprintf("%.0fK", f/1000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", f/1000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
