// Package poller keeps a canteen snapshot fresh by re-fetching it.
package poller

import (
	"context"
	"time"

	"canteen/internal/events"
	"canteen/internal/metrics"
	"canteen/internal/models"
	"canteen/internal/occupancy"

	"github.com/rs/zerolog"
)

// Fetcher loads one canteen.
type Fetcher interface {
	GetCanteen(ctx context.Context, canteenID string) (*models.Canteen, error)
}

// Snapshot is one fetched canteen with its aggregate.
type Snapshot struct {
	Canteen   *models.Canteen
	Summary   occupancy.Summary
	FetchedAt time.Time
}

// Refresher re-fetches a canteen on an interval.
type Refresher struct {
	fetcher   Fetcher
	canteenID string
	interval  time.Duration
	bus       *events.EventBus
	logger    zerolog.Logger
}

func NewRefresher(fetcher Fetcher, canteenID string, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Refresher{
		fetcher:   fetcher,
		canteenID: canteenID,
		interval:  interval,
		logger:    zerolog.Nop(),
	}
}

func (r *Refresher) UseBus(bus *events.EventBus) { r.bus = bus }

func (r *Refresher) UseLogger(l zerolog.Logger) {
	r.logger = l.With().Str("component", "poller").Str("canteen_id", r.canteenID).Logger()
}

// Refresh fetches the canteen once.
func (r *Refresher) Refresh(ctx context.Context) (Snapshot, error) {
	c, err := r.fetcher.GetCanteen(ctx, r.canteenID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Canteen:   c,
		Summary:   occupancy.AggregateCanteen(c),
		FetchedAt: time.Now(),
	}
	metrics.SetDensity(r.canteenID, snap.Summary.DensityPercent)
	r.bus.Publish(events.Event{Type: events.TypeSnapshot, CanteenID: r.canteenID})
	return snap, nil
}

// Watch performs an initial fetch, returning its error, then keeps calling
// onUpdate with fresh snapshots until ctx is done. Failed polls are skipped.
func (r *Refresher) Watch(ctx context.Context, onUpdate func(Snapshot)) error {
	snap, err := r.Refresh(ctx)
	if err != nil {
		return err
	}
	if onUpdate != nil {
		onUpdate(snap)
	}

	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := r.Refresh(ctx)
				if err != nil {
					r.logger.Warn().Err(err).Msg("poll failed")
					continue
				}
				if onUpdate != nil {
					onUpdate(snap)
				}
			}
		}
	}()

	return nil
}
