package lifecycle

import "sync"

// Marker is a transient per-table label shown while an operation runs.
type Marker string

const (
	MarkerReserving  Marker = "reserving…"
	MarkerCheckingIn Marker = "checking in…"
	MarkerCancelling Marker = "cancelling…"
)

// Overlay keeps pending markers keyed by table id. It never touches the
// server-reported table status.
type Overlay struct {
	mu      sync.RWMutex
	markers map[string]Marker
}

func NewOverlay() *Overlay {
	return &Overlay{markers: make(map[string]Marker)}
}

func (o *Overlay) Set(tableID string, m Marker) {
	if o == nil || tableID == "" {
		return
	}
	o.mu.Lock()
	o.markers[tableID] = m
	o.mu.Unlock()
}

func (o *Overlay) Clear(tableID string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	delete(o.markers, tableID)
	o.mu.Unlock()
}

func (o *Overlay) Get(tableID string) (Marker, bool) {
	if o == nil {
		return "", false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.markers[tableID]
	return m, ok
}

// Snapshot returns a copy of all markers.
func (o *Overlay) Snapshot() map[string]Marker {
	out := make(map[string]Marker)
	if o == nil {
		return out
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for k, v := range o.markers {
		out[k] = v
	}
	return out
}
