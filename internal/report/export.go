package report

import (
	"io"
	"time"

	"canteen/internal/models"
	"canteen/internal/occupancy"
	"canteen/internal/store"
)

const timeLayout = "2006-01-02 15:04"

// Export is the content of one workbook. Empty sections are skipped; a
// workbook with nothing in it still gets an empty Reservations sheet.
type Export struct {
	Reservations []models.Reservation
	Canteen      *models.Canteen
	Actions      []store.Action
}

// Write renders the workbook to out.
func (e Export) Write(out io.Writer) error {
	w, err := e.build()
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Save(out)
}

// SaveToFile renders the workbook to path.
func (e Export) SaveToFile(path string) error {
	w, err := e.build()
	if err != nil {
		return err
	}
	defer w.Close()
	return w.SaveToFile(path)
}

func (e Export) build() (*sheetWriter, error) {
	w := newSheetWriter()
	var err error
	if len(e.Reservations) > 0 || (e.Canteen == nil && len(e.Actions) == 0) {
		err = writeReservations(w, e.Reservations)
	}
	if err == nil && e.Canteen != nil {
		err = writeOccupancy(w, e.Canteen)
	}
	if err == nil && len(e.Actions) > 0 {
		err = writeActions(w, e.Actions)
	}
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func writeReservations(w *sheetWriter, list []models.Reservation) error {
	if err := w.AddSheet("Reservations"); err != nil {
		return err
	}
	if err := w.WriteHeader("Reservation", "Table", "Status", "Minutes", "Reserved at", "Expires at", "Created at"); err != nil {
		return err
	}
	for _, r := range list {
		if err := w.WriteRow(r.ID, r.TableID, string(r.Status), r.DurationMinutes,
			formatTime(r.ReservedAt), formatTime(r.ExpiresAt()), formatTime(r.CreatedAt)); err != nil {
			return err
		}
	}
	return nil
}

func writeOccupancy(w *sheetWriter, c *models.Canteen) error {
	s := occupancy.AggregateCanteen(c)
	if err := w.AddSheet("Occupancy"); err != nil {
		return err
	}
	if err := w.WriteHeader("Canteen", "Used", "Total", "Density %", "Level"); err != nil {
		return err
	}
	if err := w.WriteRow(c.Name, s.Used, s.Total, roundTenth(s.DensityPercent), string(s.Level)); err != nil {
		return err
	}

	if err := w.AddSheet("Tables"); err != nil {
		return err
	}
	if err := w.WriteHeader("Zone", "Table", "Table ID", "Status"); err != nil {
		return err
	}
	for _, z := range c.Zones {
		for _, t := range z.Tables {
			if err := w.WriteRow(z.Name, t.Number.String(), t.ID, string(t.Status)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeActions(w *sheetWriter, actions []store.Action) error {
	if err := w.AddSheet("Activity"); err != nil {
		return err
	}
	if err := w.WriteHeader("Time", "Operation", "Table", "Reservation", "Outcome"); err != nil {
		return err
	}
	for _, a := range actions {
		if err := w.WriteRow(formatTime(a.CreatedAt), a.Op, a.TableID, a.ReservationID, a.Outcome); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
