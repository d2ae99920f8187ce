package presence

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// TimestampLayout is the second-resolution layout used in reports.
const TimestampLayout = "2006-01-02 15:04:05"

// ReportRow is one device line of the final report.
type ReportRow struct {
	ID               int     `json:"id"`
	Address          string  `json:"address"`
	Name             string  `json:"name"`
	ObservationCount int     `json:"count"`
	DistanceMeters   float64 `json:"distance_m"`
	SignalStrength   float64 `json:"rssi"`
	FirstSeen        string  `json:"first_seen"`
	LastSeen         string  `json:"last_seen"`
	DwellSeconds     float64 `json:"dwell_s"`
}

// Summary is the end-of-run report.
type Summary struct {
	Rows                []ReportRow `json:"devices"`
	AverageDwellSeconds float64     `json:"average_dwell_s"`
	MedianDwellSeconds  float64     `json:"median_dwell_s"`
}

// Summarize builds the report from the registry's current state.
func Summarize(r *Registry) Summary {
	snap := r.Snapshot()
	s := Summary{
		Rows:                make([]ReportRow, 0, len(snap)),
		AverageDwellSeconds: r.AverageDwellSeconds(),
		MedianDwellSeconds:  r.MedianDwellSeconds(),
	}
	for _, rec := range snap {
		s.Rows = append(s.Rows, ReportRow{
			ID:               rec.ID,
			Address:          rec.Address,
			Name:             rec.Name,
			ObservationCount: rec.ObservationCount,
			DistanceMeters:   rec.DistanceMeters(),
			SignalStrength:   rec.SignalStrength,
			FirstSeen:        rec.FirstSeen.Format(TimestampLayout),
			LastSeen:         rec.LastSeen.Format(TimestampLayout),
			DwellSeconds:     r.DwellSeconds(rec),
		})
	}
	return s
}

// WriteReport renders the final device table and the average dwell time.
func WriteReport(w io.Writer, r *Registry) error {
	s := Summarize(r)

	if _, err := fmt.Fprintln(w, "Final list of detected devices with dwelling times:"); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMAC\tName\tCount\tApprox. Distance (m)\tRSSI\tFirst Seen\tLast Seen\tDwelling Time (s)")
	for _, row := range s.Rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%.2f\t%.0f\t%s\t%s\t%.0f\n",
			row.ID, row.Address, row.Name, row.ObservationCount, row.DistanceMeters,
			row.SignalStrength, row.FirstSeen, row.LastSeen, row.DwellSeconds)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nAverage Dwelling Time: %.2f seconds\n", s.AverageDwellSeconds)
	return err
}
