// Package models holds the canteen hierarchy and reservation records as they
// come from the backend. The types carry data only; occupancy math lives in
// the occupancy package.
package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// TableStatus is the server-assigned occupancy state of a table.
type TableStatus string

const (
	TableAvailable   TableStatus = "Available"
	TableReserved    TableStatus = "Reserved"
	TableUnavailable TableStatus = "Unavailable"
)

// TableStatuses lists every known table status in display order.
var TableStatuses = []TableStatus{TableAvailable, TableReserved, TableUnavailable}

// IsValid reports whether s is one of the three wire literals.
func (s TableStatus) IsValid() bool {
	switch s {
	case TableAvailable, TableReserved, TableUnavailable:
		return true
	}
	return false
}

// IsUsed reports whether the table counts towards canteen density.
func (s TableStatus) IsUsed() bool {
	return s == TableReserved || s == TableUnavailable
}

// TableNumber is a display label. The backend sends it either as a JSON
// number or as a string.
type TableNumber string

// UnmarshalJSON accepts both 12 and "12".
func (n *TableNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = TableNumber(s)
		return nil
	}
	var f json.Number
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = TableNumber(f.String())
	return nil
}

// MarshalJSON writes numeric labels back as numbers.
func (n TableNumber) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseFloat(string(n), 64); err == nil && n != "" {
		return []byte(n), nil
	}
	return json.Marshal(string(n))
}

func (n TableNumber) String() string { return string(n) }

// Table is the leaf occupancy unit.
type Table struct {
	ID     string      `json:"_id"`
	Number TableNumber `json:"number"`
	Status TableStatus `json:"status"`
}

// Zone groups tables. Table order is display order.
type Zone struct {
	ID     string  `json:"_id"`
	Name   string  `json:"name"`
	Tables []Table `json:"tables,omitempty"`
}

// Canteen is the unit of fetch: one canteen with all of its zones and tables.
// A value is a point-in-time snapshot and is never patched locally.
type Canteen struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Zones []Zone `json:"zones,omitempty"`
}

// FlattenTables concatenates every zone's tables, zone order first, then
// table order. Missing zones or tables yield an empty slice.
func FlattenTables(c *Canteen) []Table {
	if c == nil {
		return []Table{}
	}
	out := make([]Table, 0, c.TableCount())
	for _, z := range c.Zones {
		out = append(out, z.Tables...)
	}
	return out
}

// TableCount returns the number of tables across all zones.
func (c *Canteen) TableCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, z := range c.Zones {
		n += len(z.Tables)
	}
	return n
}

// TableByID finds a table and the zone that holds it.
func (c *Canteen) TableByID(id string) (Table, Zone, bool) {
	if c == nil || id == "" {
		return Table{}, Zone{}, false
	}
	for _, z := range c.Zones {
		for _, t := range z.Tables {
			if t.ID == id {
				return t, z, true
			}
		}
	}
	return Table{}, Zone{}, false
}

// DensityLevel is the coarse occupancy band of a canteen.
type DensityLevel string

const (
	DensityNormal DensityLevel = "Normal"
	DensityMedium DensityLevel = "Medium"
	DensityHigh   DensityLevel = "High"
)

// ParseDensityLevel maps the list endpoint's status string to a level.
// Anything unrecognised is treated as Normal, as the list view does.
func ParseDensityLevel(s string) DensityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return DensityHigh
	case "medium":
		return DensityMedium
	default:
		return DensityNormal
	}
}

// DefaultTotalTables is shown on the list view when the server omits a total.
const DefaultTotalTables = 50

// CanteenSummary is one entry of GET /canteen/.
type CanteenSummary struct {
	ID            string `json:"_id"`
	Name          string `json:"name"`
	BlockedTables *int   `json:"blockedTables,omitempty"`
	TotalTables   *int   `json:"totalTables,omitempty"`
	Status        string `json:"status,omitempty"`
}

// Blocked returns the server's blocked count, 0 when absent.
func (s CanteenSummary) Blocked() int {
	if s.BlockedTables == nil {
		return 0
	}
	return *s.BlockedTables
}

// Total returns the server's total, DefaultTotalTables when absent.
func (s CanteenSummary) Total() int {
	if s.TotalTables == nil {
		return DefaultTotalTables
	}
	return *s.TotalTables
}

// Level returns the parsed density band.
func (s CanteenSummary) Level() DensityLevel {
	return ParseDensityLevel(s.Status)
}
