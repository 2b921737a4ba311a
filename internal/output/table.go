// Package output provides terminal output utilities for iowatchdog.
//
// This package includes:
//   - Table rendering for usage stats, killable states and telemetry records
//   - A spinner for waiting on the service
//   - Human-readable formatting for sizes and durations
//
// Tables use ANSI color codes only when stdout is a terminal.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

// ANSI color codes for killable state display
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
// It checks that os.Stdout is a TTY and that the NO_COLOR env var is not set.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// colorize wraps text in the given ANSI color code if color is enabled,
// otherwise returns the plain text.
func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// RenderUsageTable renders today's usage per package, heaviest writer
// first.
func RenderUsageTable(stats []perf.UsageStats) string {
	if len(stats) == 0 {
		return "No usage recorded today.\n"
	}

	sorted := make([]perf.UsageStats, len(stats))
	copy(sorted, stats)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TodayWrittenBytes.Total() > sorted[j].TodayWrittenBytes.Total()
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-5s %-28s %-12s %-10s %-10s %-10s %-9s %s\n",
		"User", "Package", "Type", "Fg", "Bg", "Idle", "Overuses", "Killable"))
	sb.WriteString(strings.Repeat("─", 96))
	sb.WriteString("\n")

	for _, s := range sorted {
		sb.WriteString(fmt.Sprintf("%-5d %-28s %-12s %-10s %-10s %-10s %-9d %s\n",
			s.UserID,
			truncate(s.PackageName, 28),
			s.ComponentType,
			formatSize(s.TodayWrittenBytes.Foreground),
			formatSize(s.TodayWrittenBytes.Background),
			formatSize(s.TodayWrittenBytes.IdleMaintenance),
			s.TotalOveruses,
			colorize(killableColor(s.KillableState), s.KillableState.String())))
	}
	return sb.String()
}

// RenderUsageDetail renders one package's usage with its history.
func RenderUsageDetail(s perf.UsageStats, periodDays int) string {
	var sb strings.Builder
	const label = "%-16s"

	sb.WriteString(fmt.Sprintf(label+"%s (user %d, uid %d)\n", "Package:", s.PackageName, s.UserID, s.UID))
	sb.WriteString(fmt.Sprintf(label+"%s\n", "Type:", s.ComponentType))
	sb.WriteString(fmt.Sprintf(label+"%s\n", "Killable:", colorize(killableColor(s.KillableState), s.KillableState.String())))
	sb.WriteString(fmt.Sprintf(label+"%s\n", "Written today:", formatPerState(s.TodayWrittenBytes)))
	sb.WriteString(fmt.Sprintf(label+"%s\n", "Remaining:", formatPerState(s.RemainingBytes)))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Last %d days:\n", periodDays))
	if !s.StartTime.IsZero() {
		sb.WriteString(fmt.Sprintf("  "+label+"%s\n", "Since:", s.StartTime.Format("2006-01-02 15:04")))
	}
	sb.WriteString(fmt.Sprintf("  "+label+"%s\n", "Duration:", formatDuration(time.Duration(s.DurationSeconds)*time.Second)))
	sb.WriteString(fmt.Sprintf("  "+label+"%s\n", "Written:", formatSize(s.TotalBytesWritten)))
	sb.WriteString(fmt.Sprintf("  "+label+"%d\n", "Overuses:", s.TotalOveruses))
	sb.WriteString(fmt.Sprintf("  "+label+"%d\n", "Times killed:", s.TotalTimesKilled))
	return sb.String()
}

// RenderKillableTable renders killable states grouped by user.
func RenderKillableTable(states []perf.PackageKillableState) string {
	if len(states) == 0 {
		return "No installed packages found.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-5s %-40s %s\n", "User", "Package", "Killable"))
	sb.WriteString(strings.Repeat("─", 56))
	sb.WriteString("\n")
	for _, s := range states {
		sb.WriteString(fmt.Sprintf("%-5d %-40s %s\n",
			s.UserID,
			truncate(s.PackageName, 40),
			colorize(killableColor(s.KillableState), s.KillableState.String())))
	}
	return sb.String()
}

// RenderRecentTable renders the latest overuse and kill records.
func RenderRecentTable(overuses []perf.OveruseRecord, kills []perf.KillRecord) string {
	var sb strings.Builder

	sb.WriteString("Overuses:\n")
	if len(overuses) == 0 {
		sb.WriteString("  none\n")
	}
	for _, r := range overuses {
		sb.WriteString(fmt.Sprintf("  uid %-9d %-12s written %s / threshold %s\n",
			r.UID, r.ComponentType, formatPerState(r.WrittenBytes), formatPerState(r.Threshold)))
	}

	sb.WriteString("\nKills:\n")
	if len(kills) == 0 {
		sb.WriteString("  none\n")
	}
	for _, r := range kills {
		sb.WriteString(fmt.Sprintf("  uid %-9d %-12s %s\n",
			r.UID, r.ComponentType, colorize(colorRed, string(r.SystemState))))
	}
	return sb.String()
}

// killableColor returns the ANSI color code for a killable state.
func killableColor(state overuse.KillableState) string {
	switch state {
	case overuse.KillableStateYes:
		return colorGreen
	case overuse.KillableStateNo:
		return colorYellow
	case overuse.KillableStateNever:
		return colorRed
	default:
		return colorGray
	}
}

func formatPerState(p overuse.PerStateBytes) string {
	return fmt.Sprintf("%s fg · %s bg · %s idle",
		formatSize(p.Foreground), formatSize(p.Background), formatSize(p.IdleMaintenance))
}

// formatSize converts bytes to human-readable size (GB, MB, KB).
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.0f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.0f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatDuration renders d in the largest whole unit.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd %dh", days, int(d.Hours())%24)
	}
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
