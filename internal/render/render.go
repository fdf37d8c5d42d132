// Package render turns canteen snapshots and reservations into plain text
// for the CLI and the bot.
package render

import (
	"fmt"
	"strings"

	"canteen/internal/lifecycle"
	"canteen/internal/models"
	"canteen/internal/occupancy"
)

var statusLabels = map[models.TableStatus]string{
	models.TableAvailable:   "free",
	models.TableReserved:    "reserved",
	models.TableUnavailable: "unavailable",
}

// StatusLabel is the display word for a table status.
func StatusLabel(s models.TableStatus) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return strings.ToLower(string(s))
}

// DensityLine renders "Density: Medium (50.0%)".
func DensityLine(s occupancy.Summary) string {
	return fmt.Sprintf("Density: %s (%.1f%%)", s.Level, s.DensityPercent)
}

// QuantityLine renders "Quantity: 2/4".
func QuantityLine(s occupancy.Summary) string {
	return "Quantity: " + s.Quantity()
}

// CanteenList renders the canteen overview.
func CanteenList(list []models.CanteenSummary) string {
	if len(list) == 0 {
		return "No canteens."
	}
	var b strings.Builder
	for i, c := range list {
		fmt.Fprintf(&b, "%d. %s  %d/%d  %s  [%s]\n", i+1, c.Name, c.Blocked(), c.Total(), c.Level(), c.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

// CanteenDetail renders one canteen with the filter applied per zone.
// Markers from the pending overlay are appended to their tables.
func CanteenDetail(c *models.Canteen, f occupancy.StatusFilter, markers map[string]lifecycle.Marker) string {
	if c == nil {
		return "Canteen not found."
	}
	s := occupancy.AggregateCanteen(c)

	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString("\n")
	b.WriteString(DensityLine(s))
	b.WriteString("\n")
	b.WriteString(QuantityLine(s))
	b.WriteString("\n")
	if !f.IsAll() {
		fmt.Fprintf(&b, "Filter: %s\n", StatusLabel(models.TableStatus(f)))
	}

	for _, zv := range occupancy.FilterZones(c.Zones, f) {
		b.WriteString("\n")
		b.WriteString(zv.Zone.Name)
		b.WriteString("\n")
		if len(zv.Tables) == 0 {
			b.WriteString("  (no tables)\n")
			continue
		}
		for _, t := range zv.Tables {
			fmt.Fprintf(&b, "  #%s %s [%s]", t.Number, StatusLabel(t.Status), t.ID)
			if m, ok := markers[t.ID]; ok {
				fmt.Fprintf(&b, " %s", m)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Reservations renders the "my reservations" list.
func Reservations(list []models.Reservation) string {
	if len(list) == 0 {
		return "You have no reservations."
	}
	var b strings.Builder
	for _, r := range list {
		fmt.Fprintf(&b, "Table %s  %s", r.TableID, r.Status)
		if !r.CreatedAt.IsZero() {
			fmt.Fprintf(&b, "  created %s", r.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(&b, "  [%s]\n", r.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Reservation renders a freshly created or resumed reservation.
func Reservation(r *models.Reservation) string {
	if r == nil {
		return "No reservation."
	}
	line := fmt.Sprintf("Reservation %s on table %s: %s, %d min", r.ID, r.TableID, r.Status, r.DurationMinutes)
	if exp := r.ExpiresAt(); !exp.IsZero() {
		line += fmt.Sprintf(", until %s", exp.Local().Format("15:04"))
	}
	return line
}

// Attempt renders the current lifecycle attempt.
func Attempt(a lifecycle.Attempt) string {
	switch {
	case a.Reservation != nil:
		return fmt.Sprintf("%s (%s)", Reservation(a.Reservation), a.State)
	case a.Closed():
		return fmt.Sprintf("Reservation %s was cancelled.", a.ClosedID)
	default:
		return "No active reservation."
	}
}
