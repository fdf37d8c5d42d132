package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"canteen/internal/canteenapi"
	"canteen/internal/events"
	"canteen/internal/metrics"
	"canteen/internal/models"
	"canteen/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidState means the operation is not valid for the attempt's state.
	ErrInvalidState = errors.New("invalid reservation state")
	// ErrInFlight means another operation on the attempt has not finished.
	ErrInFlight = errors.New("operation already in progress")
	// ErrInvalidDuration means the duration is not one of models.AllowedDurations.
	ErrInvalidDuration = errors.New("invalid reservation duration")
)

// DefaultTimeout bounds a single backend operation.
const DefaultTimeout = 15 * time.Second

// Backend is the subset of canteenapi.Client used by the lifecycle.
type Backend interface {
	CreateReservation(ctx context.Context, tableID string, minutes int, token string) (*models.Reservation, error)
	CancelReservation(ctx context.Context, reservationID, token string) error
	ActivateReservation(ctx context.Context, tableID, token string) error
}

// Attempt is a snapshot of the client's current reservation attempt.
type Attempt struct {
	State           State
	TableID         string
	DurationMinutes int
	Reservation     *models.Reservation
	LastError       error
	// ClosedID is set once the attempt's reservation was cancelled. Further
	// operations on it are rejected without a backend call.
	ClosedID  string
	UpdatedAt time.Time
}

// Closed reports whether the attempt ended by cancellation.
func (a Attempt) Closed() bool { return a.ClosedID != "" }

// Options configure a Client. Zero values pick defaults.
type Options struct {
	Guard    Guard
	GuardKey string
	Overlay  *Overlay
	Bus      *events.EventBus
	Timeout  time.Duration
	Logger   *zerolog.Logger
}

// Client runs one reservation attempt at a time.
type Client struct {
	backend  Backend
	fsm      *FSM
	guard    Guard
	guardKey string
	overlay  *Overlay
	bus      *events.EventBus
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	attempt Attempt
	closed  map[string]struct{}
}

func NewClient(backend Backend, opts Options) *Client {
	c := &Client{
		backend:  backend,
		fsm:      NewFSM(),
		guard:    opts.Guard,
		guardKey: opts.GuardKey,
		overlay:  opts.Overlay,
		bus:      opts.Bus,
		timeout:  opts.Timeout,
		logger:   zerolog.Nop(),
		now:      time.Now,
		attempt:  Attempt{State: StateIdle},
		closed:   make(map[string]struct{}),
	}
	if c.guard == nil {
		c.guard = NewMemoryGuard()
	}
	if c.guardKey == "" {
		c.guardKey = uuid.New().String()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if opts.Logger != nil {
		c.logger = opts.Logger.With().Str("component", "lifecycle").Logger()
	}
	return c
}

// Attempt returns a copy of the current attempt.
func (c *Client) Attempt() Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.attempt
	if a.Reservation != nil {
		r := *a.Reservation
		a.Reservation = &r
	}
	return a
}

// Create reserves tableID for minutes. A conflict leaves the attempt Idle
// with no reservation; there is no retry.
func (c *Client) Create(ctx context.Context, tableID string, minutes int, cred session.Credential) (*models.Reservation, error) {
	if err := cred.Check(c.now()); err != nil {
		return nil, c.reject("create", err)
	}
	if !models.ValidDuration(minutes) {
		return nil, c.reject("create", fmt.Errorf("%w: %d minutes", ErrInvalidDuration, minutes))
	}
	if tableID == "" {
		return nil, c.reject("create", fmt.Errorf("create: empty table id: %w", canteenapi.ErrNotFound))
	}

	release, err := c.begin(ctx, StateCreating, func(a *Attempt) error {
		if a.State == StateDone || (a.State == StateIdle && a.Closed()) {
			// A finished attempt starts a new cycle.
			c.setState(a, StateIdle)
			*a = Attempt{State: StateIdle, UpdatedAt: c.now()}
		}
		if a.State != StateIdle {
			return fmt.Errorf("%w: reservation %s is still open", ErrInvalidState, reservationID(a))
		}
		a.TableID = tableID
		a.DurationMinutes = minutes
		return nil
	})
	if err != nil {
		return nil, c.reject("create", err)
	}
	defer release()

	c.overlay.Set(tableID, MarkerReserving)
	defer c.overlay.Clear(tableID)

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.backend.CreateReservation(opCtx, tableID, minutes, cred.Token)
	err = normalize(err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.attempt.Reservation = nil
		c.attempt.LastError = err
		c.setState(&c.attempt, StateIdle)
		c.finish("create", tableID, "", err)
		return nil, err
	}

	r := *res
	if r.Status == "" {
		r.Status = models.ReservationPending
	}
	c.attempt.Reservation = &r
	c.attempt.LastError = nil
	c.setState(&c.attempt, StateAwaitingAction)
	c.finish("create", tableID, r.ID, nil)
	out := r
	return &out, nil
}

// Activate checks in to the attempt's reservation.
func (c *Client) Activate(ctx context.Context, cred session.Credential) error {
	if err := cred.Check(c.now()); err != nil {
		return c.reject("activate", err)
	}
	var tableID string
	release, err := c.begin(ctx, StateActivating, func(a *Attempt) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		tableID = a.Reservation.TableID
		return nil
	})
	if err != nil {
		return c.reject("activate", err)
	}
	defer release()

	return c.runActivate(ctx, tableID, cred)
}

// ActivateTable checks in by table id, as from a QR deep link. When the
// attempt holds that table it goes through Activate.
func (c *Client) ActivateTable(ctx context.Context, tableID string, cred session.Credential) error {
	if err := cred.Check(c.now()); err != nil {
		return c.reject("activate", err)
	}
	if tableID == "" {
		return c.reject("activate", fmt.Errorf("activate: empty table id: %w", canteenapi.ErrNotFound))
	}

	owned := false
	release, err := c.begin(ctx, "", func(a *Attempt) error {
		if a.State == StateAwaitingAction && a.Reservation != nil && a.Reservation.TableID == tableID {
			owned = true
			c.setState(a, StateActivating)
		}
		return nil
	})
	if err != nil {
		return c.reject("activate", err)
	}
	defer release()

	if owned {
		return c.runActivate(ctx, tableID, cred)
	}

	c.overlay.Set(tableID, MarkerCheckingIn)
	defer c.overlay.Clear(tableID)
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err = normalize(c.backend.ActivateReservation(opCtx, tableID, cred.Token))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish("activate", tableID, "", err)
	return err
}

func (c *Client) runActivate(ctx context.Context, tableID string, cred session.Credential) error {
	c.overlay.Set(tableID, MarkerCheckingIn)
	defer c.overlay.Clear(tableID)

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := normalize(c.backend.ActivateReservation(opCtx, tableID, cred.Token))

	c.mu.Lock()
	defer c.mu.Unlock()
	id := reservationID(&c.attempt)
	c.attempt.LastError = err
	if err != nil {
		c.setState(&c.attempt, StateAwaitingAction)
		c.finish("activate", tableID, id, err)
		return err
	}
	if c.attempt.Reservation != nil {
		c.attempt.Reservation.Status = models.ReservationActive
	}
	c.setState(&c.attempt, StateDone)
	c.finish("activate", tableID, id, nil)
	return nil
}

// Cancel cancels the attempt's reservation. On success the local reference
// is dropped at once and the attempt is closed.
func (c *Client) Cancel(ctx context.Context, cred session.Credential) error {
	if err := cred.Check(c.now()); err != nil {
		return c.reject("cancel", err)
	}
	var tableID, id string
	release, err := c.begin(ctx, StateCancelling, func(a *Attempt) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		tableID, id = a.Reservation.TableID, a.Reservation.ID
		return nil
	})
	if err != nil {
		return c.reject("cancel", err)
	}
	defer release()

	c.overlay.Set(tableID, MarkerCancelling)
	defer c.overlay.Clear(tableID)

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err = normalize(c.backend.CancelReservation(opCtx, id, cred.Token))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt.LastError = err
	if err != nil {
		c.setState(&c.attempt, StateAwaitingAction)
		c.finish("cancel", tableID, id, err)
		return err
	}
	c.closed[id] = struct{}{}
	c.attempt.Reservation = nil
	c.attempt.ClosedID = id
	c.setState(&c.attempt, StateIdle)
	c.finish("cancel", tableID, id, nil)
	return nil
}

// Resume adopts a reservation known to the backend, e.g. one listed by
// GET /reservation/my, as the current attempt.
func (c *Client) Resume(res models.Reservation) error {
	if res.ID == "" {
		return fmt.Errorf("%w: reservation without id", ErrInvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt.State.InFlight() {
		return ErrInFlight
	}
	if _, ok := c.closed[res.ID]; ok {
		return fmt.Errorf("%w: reservation %s was cancelled", ErrInvalidState, res.ID)
	}

	if c.attempt.State != StateIdle {
		c.setState(&c.attempt, StateIdle)
	}
	c.attempt = Attempt{
		State:           StateIdle,
		TableID:         res.TableID,
		DurationMinutes: res.DurationMinutes,
		UpdatedAt:       c.now(),
	}
	switch res.Status {
	case models.ReservationPending, "":
		r := res
		r.Status = models.ReservationPending
		c.attempt.Reservation = &r
		c.setState(&c.attempt, StateAwaitingAction)
	case models.ReservationActive:
		r := res
		c.attempt.Reservation = &r
		c.setState(&c.attempt, StateDone)
	default:
		c.closed[res.ID] = struct{}{}
		c.attempt.ClosedID = res.ID
	}
	return nil
}

// Reset drops the current attempt without any backend call.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt.State.InFlight() {
		return ErrInFlight
	}
	if c.attempt.State != StateIdle {
		c.setState(&c.attempt, StateIdle)
	}
	c.attempt = Attempt{State: StateIdle, UpdatedAt: c.now()}
	return nil
}

// begin checks and enters an in-flight state under the guard. An empty
// target leaves the transition to check. The guard may be remote, so it is
// acquired without holding c.mu.
func (c *Client) begin(ctx context.Context, to State, check func(a *Attempt) error) (func(), error) {
	c.mu.Lock()
	busy := c.attempt.State.InFlight()
	c.mu.Unlock()
	if busy {
		return nil, ErrInFlight
	}

	release, err := c.guard.Acquire(ctx, c.guardKey, c.timeout+5*time.Second)
	if err != nil {
		if errors.Is(err, ErrInFlight) {
			return nil, ErrInFlight
		}
		return nil, fmt.Errorf("%w: %v", canteenapi.ErrNetworkFailure, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt.State.InFlight() {
		release()
		return nil, ErrInFlight
	}
	if err := check(&c.attempt); err != nil {
		release()
		return nil, err
	}
	if to != "" {
		if !c.fsm.CanTransition(c.attempt.State, to) {
			release()
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.attempt.State, to)
		}
		c.setState(&c.attempt, to)
	}
	return release, nil
}

// setState records a transition. Caller holds c.mu.
func (c *Client) setState(a *Attempt, to State) {
	from := a.State
	if from == to {
		return
	}
	a.State = to
	a.UpdatedAt = c.now()
	metrics.IncTransition(string(from), string(to))
	c.bus.Publish(events.Event{
		Type:          events.TypeTransition,
		TableID:       a.TableID,
		ReservationID: reservationID(a),
		From:          string(from),
		To:            string(to),
	})
	c.logger.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("table_id", a.TableID).
		Msg("attempt transition")
}

// finish reports the outcome of a backend operation. Caller holds c.mu.
func (c *Client) finish(op, tableID, id string, err error) {
	if err != nil {
		metrics.IncOperation(op, "error")
		c.bus.Publish(events.Event{Type: events.TypeFailed, TableID: tableID, ReservationID: id, Err: err})
		c.logger.Warn().Err(err).Str("op", op).Str("table_id", tableID).Msg("reservation operation failed")
		return
	}
	metrics.IncOperation(op, "ok")
	typ := map[string]string{
		"create":   events.TypeCreated,
		"activate": events.TypeActivated,
		"cancel":   events.TypeCancelled,
	}[op]
	c.bus.Publish(events.Event{Type: typ, TableID: tableID, ReservationID: id})
	c.logger.Info().Str("op", op).Str("table_id", tableID).Str("reservation_id", id).Msg("reservation operation succeeded")
}

func (c *Client) reject(op string, err error) error {
	outcome := "rejected"
	if errors.Is(err, ErrInFlight) {
		outcome = "in_flight"
	}
	metrics.IncOperation(op, outcome)
	return err
}

func requireOpen(a *Attempt) error {
	if a.Closed() {
		return fmt.Errorf("%w: reservation %s was cancelled", ErrInvalidState, a.ClosedID)
	}
	if a.Reservation == nil {
		return fmt.Errorf("%w: no reservation", ErrInvalidState)
	}
	if a.State != StateAwaitingAction {
		return fmt.Errorf("%w: attempt is %s", ErrInvalidState, a.State)
	}
	return nil
}

func reservationID(a *Attempt) string {
	if a.Reservation != nil {
		return a.Reservation.ID
	}
	return a.ClosedID
}

// normalize folds context expiry into ErrNetworkFailure.
func normalize(err error) error {
	if err == nil || errors.Is(err, canteenapi.ErrNetworkFailure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", canteenapi.ErrNetworkFailure, err)
	}
	return err
}
