package dashboard

import (
	"fmt"
	"io"
	"strings"
	"time"

	"backup-telemetry/internal/services"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

const barWidth = 30

// RenderSummary writes the public counters and both charts.
func RenderSummary(w io.Writer, snap Snapshot, now time.Time) {
	if snap.Public == nil {
		_, _ = fmt.Fprintln(w, color.YellowString("No statistics loaded yet."))
		renderStatus(w, snap, now)
		return
	}
	p := snap.Public

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("Backup telemetry")
	tw.AppendRow(table.Row{"Users", humanize.Comma(p.TotalUsers)})
	tw.AppendRow(table.Row{"Active (30 days)", humanize.Comma(p.ActiveUsers30d)})
	tw.AppendRow(table.Row{"Backups", humanize.Comma(p.TotalBackups)})
	tw.AppendRow(table.Row{"Data protected", fmt.Sprintf("%.2f TB", p.TotalTB)})
	tw.AppendRow(table.Row{"Stored (compressed)", fmt.Sprintf("%.2f TB", p.TotalTBCompressed)})
	tw.AppendRow(table.Row{"Files", humanize.Comma(p.TotalFiles)})
	tw.Render()

	renderBars(w, "Downloads by platform", DownloadBars(p.GlobalStats))
	renderBars(w, "Backups by format", FormatBars(p.GlobalStats))
	renderStatus(w, snap, now)
}

func renderBars(w io.Writer, title string, bars []Bar) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle(title)
	for _, b := range bars {
		tw.AppendRow(table.Row{b.Label, humanize.Comma(b.Value), fmt.Sprintf("%5.1f%%", b.Percent), bar(b.Percent)})
	}
	tw.Render()
}

func bar(percent float64) string {
	filled := int(percent / 100 * barWidth)
	if filled < 0 {
		filled = 0
	}
	if filled > barWidth {
		filled = barWidth
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

func renderStatus(w io.Writer, snap Snapshot, now time.Time) {
	if !snap.UpdatedAt.IsZero() {
		_, _ = fmt.Fprintln(w, color.HiBlackString("Updated %s", humanize.RelTime(snap.UpdatedAt, now, "ago", "from now")))
	}
	if snap.LastError != nil {
		_, _ = fmt.Fprintln(w, color.RedString("Last refresh failed: %v", snap.LastError))
	}
}

// RenderUsers writes the admin user table.
func RenderUsers(w io.Writer, users []services.AdminUser, now time.Time) {
	if len(users) == 0 {
		_, _ = fmt.Fprintln(w, color.YellowString("No users found."))
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Name", "Email", "Token", "Backups", "TB", "Last access"})
	for _, u := range users {
		backups := "-"
		if u.TotalBackups != nil {
			backups = humanize.Comma(*u.TotalBackups)
		}
		tw.AppendRow(table.Row{
			u.Name,
			u.Email,
			u.Token,
			backups,
			fmt.Sprintf("%.2f", u.TB),
			lastAccess(u, now),
		})
	}
	tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d users", len(users))})
	tw.Render()
}

func lastAccess(u services.AdminUser, now time.Time) string {
	t := u.LastValidation
	if t.IsZero() && u.LastBackup != nil {
		t = *u.LastBackup
	}
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
