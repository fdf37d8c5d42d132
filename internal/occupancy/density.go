// Package occupancy derives aggregate views from a canteen snapshot.
// Everything here is a pure function of its input.
package occupancy

import (
	"fmt"

	"canteen/internal/models"
)

// Density band lower bounds, in percent. A value equal to a bound belongs to
// the higher band.
const (
	MediumThreshold = 35.0
	HighThreshold   = 70.0
)

// Summary is the used/total count of a table set and its density.
type Summary struct {
	Used           int
	Total          int
	DensityPercent float64
	Level          models.DensityLevel
}

// Aggregate counts Reserved and Unavailable tables as used.
// An empty set is 0% and Normal.
func Aggregate(tables []models.Table) Summary {
	s := Summary{Total: len(tables)}
	for _, t := range tables {
		if t.Status.IsUsed() {
			s.Used++
		}
	}
	if s.Total > 0 {
		s.DensityPercent = float64(s.Used) / float64(s.Total) * 100
	}
	s.Level = Classify(s.DensityPercent)
	return s
}

// AggregateCanteen aggregates over every table of the canteen.
func AggregateCanteen(c *models.Canteen) Summary {
	return Aggregate(models.FlattenTables(c))
}

// Classify maps a density percentage to its band.
func Classify(percent float64) models.DensityLevel {
	switch {
	case percent >= HighThreshold:
		return models.DensityHigh
	case percent >= MediumThreshold:
		return models.DensityMedium
	default:
		return models.DensityNormal
	}
}

// Quantity renders "used/total".
func (s Summary) Quantity() string {
	return fmt.Sprintf("%d/%d", s.Used, s.Total)
}

func (s Summary) String() string {
	return fmt.Sprintf("%s %s (%.1f%%)", s.Quantity(), s.Level, s.DensityPercent)
}
