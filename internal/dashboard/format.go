package dashboard

import (
	"fmt"
	"time"
)

// FormatBytes formats a byte count as "X.X MB", "X.X GB", "X.X KB" or "X B".
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatPercentage formats a ratio (0-1) as a percentage.
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatElapsed formats a duration as "Xh Ym", "Xm Ys" or "X.Ys".
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int64(d / time.Hour)
	minutes := int64(d%time.Hour) / int64(time.Minute)
	seconds := int64(d%time.Minute) / int64(time.Second)

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}

// FormatScore formats an optional score out of 100.
func FormatScore(score *float64) string {
	if score == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f/100", *score)
}
