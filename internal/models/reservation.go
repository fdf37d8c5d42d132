package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ReservationStatus is the server-side lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "Pending"
	ReservationActive    ReservationStatus = "Active"
	ReservationCancelled ReservationStatus = "Cancelled"
	ReservationCompleted ReservationStatus = "Completed"
	ReservationExpired   ReservationStatus = "Expired"
)

// ParseReservationStatus normalises case and the "canceled" spelling.
// Unknown values are returned as-is.
func ParseReservationStatus(s string) ReservationStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return ReservationPending
	case "active":
		return ReservationActive
	case "cancelled", "canceled":
		return ReservationCancelled
	case "completed":
		return ReservationCompleted
	case "expired":
		return ReservationExpired
	}
	return ReservationStatus(s)
}

// IsTerminal reports whether no further operations are valid.
func (s ReservationStatus) IsTerminal() bool {
	switch s {
	case ReservationCancelled, ReservationCompleted, ReservationExpired:
		return true
	}
	return false
}

// Allowed reservation lengths in minutes.
var AllowedDurations = []int{10, 15}

// ValidDuration reports whether minutes is one of AllowedDurations.
func ValidDuration(minutes int) bool {
	for _, d := range AllowedDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

// Reservation is a session's claim on one table. TableID is a reference into
// the canteen hierarchy, not ownership.
type Reservation struct {
	ID              string            `json:"_id"`
	TableID         string            `json:"tableID"`
	UserID          string            `json:"userID,omitempty"`
	DurationMinutes int               `json:"duration_minutes"`
	ReservedAt      time.Time         `json:"reserved_at"`
	Status          ReservationStatus `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

type reservationWire struct {
	ID              string     `json:"_id"`
	TableID         string     `json:"tableID"`
	TableIDAlt      string     `json:"tableId"`
	UserID          string     `json:"userID"`
	UserIDAlt       string     `json:"userId"`
	DurationMinutes int        `json:"duration_minutes"`
	ReservedAt      *time.Time `json:"reserved_at"`
	Status          string     `json:"status"`
	CreatedAt       *time.Time `json:"createdAt"`
	UpdatedAt       *time.Time `json:"updatedAt"`
}

// UnmarshalJSON tolerates both tableID/tableId spellings used by the
// create and list endpoints.
func (r *Reservation) UnmarshalJSON(data []byte) error {
	var w reservationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Reservation{
		ID:              w.ID,
		TableID:         firstNonEmpty(w.TableID, w.TableIDAlt),
		UserID:          firstNonEmpty(w.UserID, w.UserIDAlt),
		DurationMinutes: w.DurationMinutes,
		Status:          ParseReservationStatus(w.Status),
	}
	if w.ReservedAt != nil {
		r.ReservedAt = *w.ReservedAt
	}
	if w.CreatedAt != nil {
		r.CreatedAt = *w.CreatedAt
	}
	if w.UpdatedAt != nil {
		r.UpdatedAt = *w.UpdatedAt
	}
	if r.Status == "" {
		r.Status = ReservationPending
	}
	return nil
}

// ExpiresAt is the end of the reservation window, zero when unknown.
func (r *Reservation) ExpiresAt() time.Time {
	if r.ReservedAt.IsZero() || r.DurationMinutes <= 0 {
		return time.Time{}
	}
	return r.ReservedAt.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
