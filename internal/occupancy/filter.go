package occupancy

import (
	"fmt"
	"strings"

	"canteen/internal/models"
)

// StatusFilter narrows tables by status. The zero value is All.
type StatusFilter string

// FilterAll is the identity filter.
const FilterAll StatusFilter = "All"

// ParseStatusFilter accepts "all" or a table status, case-insensitively.
// An empty string means All.
func ParseStatusFilter(s string) (StatusFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(FilterAll)) {
		return FilterAll, nil
	}
	for _, st := range models.TableStatuses {
		if strings.EqualFold(s, string(st)) {
			return StatusFilter(st), nil
		}
	}
	return "", fmt.Errorf("unknown status filter %q", s)
}

// IsAll reports whether f is the identity filter.
func (f StatusFilter) IsAll() bool {
	return f == "" || f == FilterAll
}

// Match reports whether t passes the filter.
func (f StatusFilter) Match(t models.Table) bool {
	return f.IsAll() || t.Status == models.TableStatus(f)
}

// FilterTables returns the tables matching f in input order.
// The input slice is never modified; All returns it unchanged.
func FilterTables(tables []models.Table, f StatusFilter) []models.Table {
	if f.IsAll() {
		return tables
	}
	out := make([]models.Table, 0, len(tables))
	for _, t := range tables {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}

// ZoneView is a zone together with its displayed subset of tables.
type ZoneView struct {
	Zone   models.Zone
	Tables []models.Table
}

// FilterZones filters each zone from its own tables. Zones keep their order
// and stay present even when nothing in them matches.
func FilterZones(zones []models.Zone, f StatusFilter) []ZoneView {
	out := make([]ZoneView, 0, len(zones))
	for _, z := range zones {
		tables := z.Tables
		if tables == nil {
			tables = []models.Table{}
		}
		out = append(out, ZoneView{Zone: z, Tables: FilterTables(tables, f)})
	}
	return out
}
