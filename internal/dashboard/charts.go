package dashboard

import "backup-telemetry/internal/models"

// Bar is one entry of a proportional bar chart.
type Bar struct {
	Label   string
	Value   int64
	Percent float64
}

// Proportions fills in each bar's share of the category total. Every bar
// gets 0 when the total is 0.
func Proportions(bars []Bar) []Bar {
	var total int64
	for _, b := range bars {
		total += b.Value
	}
	out := make([]Bar, len(bars))
	for i, b := range bars {
		out[i] = Bar{Label: b.Label, Value: b.Value}
		if total > 0 {
			out[i].Percent = float64(b.Value) / float64(total) * 100
		}
	}
	return out
}

func DownloadBars(g models.GlobalStats) []Bar {
	return Proportions([]Bar{
		{Label: "Windows", Value: g.DownloadsWindows},
		{Label: "Linux", Value: g.DownloadsLinux},
		{Label: "macOS", Value: g.DownloadsMacOS},
	})
}

func FormatBars(g models.GlobalStats) []Bar {
	return Proportions([]Bar{
		{Label: "ZIP", Value: g.FormatZip},
		{Label: "7Z", Value: g.Format7z},
		{Label: "TAR.GZ", Value: g.FormatTarGz},
		{Label: "TAR.BZ2", Value: g.FormatTarBz2},
	})
}
