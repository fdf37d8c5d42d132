package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canteen/internal/canteenapi"
	"canteen/internal/events"
	"canteen/internal/models"
	"canteen/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) CreateReservation(ctx context.Context, tableID string, minutes int, token string) (*models.Reservation, error) {
	args := m.Called(ctx, tableID, minutes, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reservation), args.Error(1)
}
func (m *mockBackend) CancelReservation(ctx context.Context, id, token string) error {
	return m.Called(ctx, id, token).Error(0)
}
func (m *mockBackend) ActivateReservation(ctx context.Context, tableID, token string) error {
	return m.Called(ctx, tableID, token).Error(0)
}

// blockingBackend waits on its channel, or on context expiry, before answering.
type blockingBackend struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingBackend) wait(ctx context.Context) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingBackend) CreateReservation(ctx context.Context, tableID string, minutes int, _ string) (*models.Reservation, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return &models.Reservation{ID: "r1", TableID: tableID, DurationMinutes: minutes}, nil
}
func (b *blockingBackend) CancelReservation(ctx context.Context, _, _ string) error { return b.wait(ctx) }
func (b *blockingBackend) ActivateReservation(ctx context.Context, _, _ string) error {
	return b.wait(ctx)
}

func (b *blockingBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

var cred = session.Credential{Token: "tok"}

func reservation(id, table string) *models.Reservation {
	return &models.Reservation{ID: id, TableID: table, DurationMinutes: 10, Status: models.ReservationPending}
}

func TestFSMTransitions(t *testing.T) {
	fsm := NewFSM()

	tests := []struct {
		name        string
		from        State
		to          State
		shouldAllow bool
	}{
		{"idle to creating", StateIdle, StateCreating, true},
		{"creating to awaiting", StateCreating, StateAwaitingAction, true},
		{"creating back to idle", StateCreating, StateIdle, true},
		{"awaiting to activating", StateAwaitingAction, StateActivating, true},
		{"awaiting to cancelling", StateAwaitingAction, StateCancelling, true},
		{"activating to done", StateActivating, StateDone, true},
		{"activating back to awaiting", StateActivating, StateAwaitingAction, true},
		{"cancelling to idle", StateCancelling, StateIdle, true},
		{"cancelling back to awaiting", StateCancelling, StateAwaitingAction, true},
		{"idle to activating", StateIdle, StateActivating, false},
		{"idle to cancelling", StateIdle, StateCancelling, false},
		{"done to activating", StateDone, StateActivating, false},
		{"creating to done", StateCreating, StateDone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.shouldAllow, fsm.CanTransition(tt.from, tt.to))
		})
	}
}

func TestCreateWithoutCredentialNeverDispatches(t *testing.T) {
	backend := new(mockBackend)
	c := NewClient(backend, Options{})

	_, err := c.Create(context.Background(), "t1", 10, session.Credential{})
	assert.ErrorIs(t, err, canteenapi.ErrUnauthorized)
	assert.Equal(t, StateIdle, c.Attempt().State)
	backend.AssertNotCalled(t, "CreateReservation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateExpiredCredential(t *testing.T) {
	backend := new(mockBackend)
	c := NewClient(backend, Options{})

	expired := session.Credential{Token: "tok", ExpiresAt: time.Now().Add(-time.Minute)}
	_, err := c.Create(context.Background(), "t1", 10, expired)
	assert.ErrorIs(t, err, canteenapi.ErrUnauthorized)
	backend.AssertNotCalled(t, "CreateReservation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateInvalidDuration(t *testing.T) {
	backend := new(mockBackend)
	c := NewClient(backend, Options{})

	_, err := c.Create(context.Background(), "t1", 20, cred)
	assert.ErrorIs(t, err, ErrInvalidDuration)
	backend.AssertNotCalled(t, "CreateReservation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateSuccess(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CreateReservation", mock.Anything, "t1", 15, "tok").
		Return(&models.Reservation{ID: "r1", TableID: "t1", DurationMinutes: 15}, nil).Once()

	bus := events.NewEventBus()
	var created []events.Event
	var transitions []string
	bus.Subscribe(events.TypeCreated, func(e events.Event) error {
		created = append(created, e)
		return nil
	})
	bus.Subscribe(events.TypeTransition, func(e events.Event) error {
		transitions = append(transitions, e.From+">"+e.To)
		return nil
	})
	overlay := NewOverlay()
	c := NewClient(backend, Options{Bus: bus, Overlay: overlay})

	res, err := c.Create(context.Background(), "t1", 15, cred)
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ID)
	assert.Equal(t, models.ReservationPending, res.Status)

	a := c.Attempt()
	assert.Equal(t, StateAwaitingAction, a.State)
	require.NotNil(t, a.Reservation)
	assert.Equal(t, "r1", a.Reservation.ID)
	assert.Empty(t, overlay.Snapshot())

	require.Len(t, created, 1)
	assert.Equal(t, "r1", created[0].ReservationID)
	assert.Equal(t, []string{"idle>creating", "creating>awaiting_action"}, transitions)
	backend.AssertExpectations(t)
}

func TestCreateConflictReturnsToIdle(t *testing.T) {
	backend := new(mockBackend)
	conflict := &canteenapi.APIError{Op: "create_reservation", StatusCode: 409}
	backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").
		Return(nil, errors.Join(conflict, canteenapi.ErrReservationConflict)).Once()

	c := NewClient(backend, Options{})
	res, err := c.Create(context.Background(), "t1", 10, cred)

	assert.Nil(t, res)
	assert.ErrorIs(t, err, canteenapi.ErrReservationConflict)
	a := c.Attempt()
	assert.Equal(t, StateIdle, a.State)
	assert.Nil(t, a.Reservation)
	assert.ErrorIs(t, a.LastError, canteenapi.ErrReservationConflict)
	backend.AssertNumberOfCalls(t, "CreateReservation", 1)
}

func TestCreateWhileHoldingReservation(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").Return(reservation("r1", "t1"), nil).Once()

	c := NewClient(backend, Options{})
	_, err := c.Create(context.Background(), "t1", 10, cred)
	require.NoError(t, err)

	_, err = c.Create(context.Background(), "t2", 10, cred)
	assert.ErrorIs(t, err, ErrInvalidState)
	backend.AssertNumberOfCalls(t, "CreateReservation", 1)
}

func TestCancelThenActivateRejectedLocally(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").Return(reservation("r1", "t1"), nil).Once()
	backend.On("CancelReservation", mock.Anything, "r1", "tok").Return(nil).Once()

	c := NewClient(backend, Options{})
	_, err := c.Create(context.Background(), "t1", 10, cred)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background(), cred))
	a := c.Attempt()
	assert.Equal(t, StateIdle, a.State)
	assert.Nil(t, a.Reservation)
	assert.True(t, a.Closed())
	assert.Equal(t, "r1", a.ClosedID)

	err = c.Activate(context.Background(), cred)
	assert.ErrorIs(t, err, ErrInvalidState)
	err = c.Cancel(context.Background(), cred)
	assert.ErrorIs(t, err, ErrInvalidState)
	backend.AssertNotCalled(t, "ActivateReservation", mock.Anything, mock.Anything, mock.Anything)
	backend.AssertNumberOfCalls(t, "CancelReservation", 1)

	err = c.Resume(*reservation("r1", "t1"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelFailureKeepsReservation(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").Return(reservation("r1", "t1"), nil).Once()
	backend.On("CancelReservation", mock.Anything, "r1", "tok").Return(canteenapi.ErrNetworkFailure).Once()

	c := NewClient(backend, Options{})
	_, err := c.Create(context.Background(), "t1", 10, cred)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Cancel(context.Background(), cred), canteenapi.ErrNetworkFailure)
	a := c.Attempt()
	assert.Equal(t, StateAwaitingAction, a.State)
	require.NotNil(t, a.Reservation)
	assert.False(t, a.Closed())
}

func TestActivate(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").Return(reservation("r1", "t1"), nil).Once()
	backend.On("ActivateReservation", mock.Anything, "t1", "tok").Return(canteenapi.ErrNotFound).Once()
	backend.On("ActivateReservation", mock.Anything, "t1", "tok").Return(nil).Once()

	c := NewClient(backend, Options{})
	_, err := c.Create(context.Background(), "t1", 10, cred)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Activate(context.Background(), cred), canteenapi.ErrNotFound)
	assert.Equal(t, StateAwaitingAction, c.Attempt().State)

	require.NoError(t, c.Activate(context.Background(), cred))
	a := c.Attempt()
	assert.Equal(t, StateDone, a.State)
	assert.Equal(t, models.ReservationActive, a.Reservation.Status)

	assert.ErrorIs(t, c.Activate(context.Background(), cred), ErrInvalidState)
	assert.ErrorIs(t, c.Cancel(context.Background(), cred), ErrInvalidState)
	backend.AssertNumberOfCalls(t, "ActivateReservation", 2)
}

func TestActivateWithoutAttempt(t *testing.T) {
	c := NewClient(new(mockBackend), Options{})
	assert.ErrorIs(t, c.Activate(context.Background(), cred), ErrInvalidState)
}

func TestNewCycleAfterDone(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").Return(reservation("r1", "t1"), nil).Once()
	backend.On("ActivateReservation", mock.Anything, "t1", "tok").Return(nil).Once()
	backend.On("CreateReservation", mock.Anything, "t2", 15, "tok").Return(reservation("r2", "t2"), nil).Once()

	c := NewClient(backend, Options{})
	_, err := c.Create(context.Background(), "t1", 10, cred)
	require.NoError(t, err)
	require.NoError(t, c.Activate(context.Background(), cred))

	res, err := c.Create(context.Background(), "t2", 15, cred)
	require.NoError(t, err)
	assert.Equal(t, "r2", res.ID)
	assert.Equal(t, StateAwaitingAction, c.Attempt().State)
}

func TestActivateTable(t *testing.T) {
	t.Run("WithoutAttempt", func(t *testing.T) {
		backend := new(mockBackend)
		backend.On("ActivateReservation", mock.Anything, "t9", "tok").Return(nil).Once()

		c := NewClient(backend, Options{})
		require.NoError(t, c.ActivateTable(context.Background(), "t9", cred))
		assert.Equal(t, StateIdle, c.Attempt().State)
		backend.AssertExpectations(t)
	})

	t.Run("OwnedTable", func(t *testing.T) {
		backend := new(mockBackend)
		backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").Return(reservation("r1", "t1"), nil).Once()
		backend.On("ActivateReservation", mock.Anything, "t1", "tok").Return(nil).Once()

		c := NewClient(backend, Options{})
		_, err := c.Create(context.Background(), "t1", 10, cred)
		require.NoError(t, err)

		require.NoError(t, c.ActivateTable(context.Background(), "t1", cred))
		assert.Equal(t, StateDone, c.Attempt().State)
	})

	t.Run("NoCredential", func(t *testing.T) {
		backend := new(mockBackend)
		c := NewClient(backend, Options{})
		assert.ErrorIs(t, c.ActivateTable(context.Background(), "t1", session.Credential{}), canteenapi.ErrUnauthorized)
		backend.AssertNotCalled(t, "ActivateReservation", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestInFlightGuard(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	overlay := NewOverlay()
	c := NewClient(backend, Options{Overlay: overlay})

	done := make(chan error, 1)
	go func() {
		_, err := c.Create(context.Background(), "t1", 10, cred)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Attempt().State == StateCreating }, time.Second, 5*time.Millisecond)
	m, ok := overlay.Get("t1")
	assert.True(t, ok)
	assert.Equal(t, MarkerReserving, m)

	_, err := c.Create(context.Background(), "t1", 10, cred)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.ErrorIs(t, c.Cancel(context.Background(), cred), ErrInFlight)
	assert.ErrorIs(t, c.ActivateTable(context.Background(), "t2", cred), ErrInFlight)
	assert.ErrorIs(t, c.Reset(), ErrInFlight)

	close(backend.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, backend.Calls())
	assert.Equal(t, StateAwaitingAction, c.Attempt().State)
	_, ok = overlay.Get("t1")
	assert.False(t, ok)
}

func TestTimeoutReturnsToIdle(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	c := NewClient(backend, Options{Timeout: 30 * time.Millisecond})

	_, err := c.Create(context.Background(), "t1", 10, cred)
	assert.ErrorIs(t, err, canteenapi.ErrNetworkFailure)
	assert.Equal(t, StateIdle, c.Attempt().State)
	assert.Nil(t, c.Attempt().Reservation)
}

// gatedGuard blocks Acquire until its gate is closed.
type gatedGuard struct {
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedGuard) Acquire(ctx context.Context, _ string, _ time.Duration) (func(), error) {
	close(g.entered)
	select {
	case <-g.gate:
		return func() {}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAttemptReadableWhileGuardIsSlow(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").Return(reservation("r1", "t1"), nil).Once()
	guard := &gatedGuard{entered: make(chan struct{}), gate: make(chan struct{})}
	c := NewClient(backend, Options{Guard: guard})

	done := make(chan error, 1)
	go func() {
		_, err := c.Create(context.Background(), "t1", 10, cred)
		done <- err
	}()
	<-guard.entered

	snap := make(chan State, 1)
	go func() { snap <- c.Attempt().State }()
	select {
	case st := <-snap:
		assert.Equal(t, StateIdle, st)
	case <-time.After(time.Second):
		t.Fatal("Attempt blocked while the guard was being acquired")
	}

	close(guard.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateAwaitingAction, c.Attempt().State)
}

func TestSchemeOnlyTokenNeverDispatches(t *testing.T) {
	backend := new(mockBackend)
	c := NewClient(backend, Options{})

	s := session.New()
	assert.ErrorIs(t, s.Login("Bearer "), canteenapi.ErrUnauthorized)
	empty, _ := s.Credential()

	_, err := c.Create(context.Background(), "t1", 10, empty)
	assert.ErrorIs(t, err, canteenapi.ErrUnauthorized)
	backend.AssertNotCalled(t, "CreateReservation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSharedRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	guard := NewRedisGuard(rdb, "")

	backend := &blockingBackend{release: make(chan struct{})}
	first := NewClient(backend, Options{Guard: guard, GuardKey: "chat:1"})
	second := NewClient(backend, Options{Guard: guard, GuardKey: "chat:1"})

	done := make(chan error, 1)
	go func() {
		_, err := first.Create(context.Background(), "t1", 10, cred)
		done <- err
	}()
	require.Eventually(t, func() bool { return first.Attempt().State == StateCreating }, time.Second, 5*time.Millisecond)
	assert.True(t, mr.Exists("canteen:inflight:chat:1"))

	_, err := second.Create(context.Background(), "t2", 10, cred)
	assert.ErrorIs(t, err, ErrInFlight)

	close(backend.release)
	require.NoError(t, <-done)
	assert.False(t, mr.Exists("canteen:inflight:chat:1"))
}

func TestRedisGuardRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g := NewRedisGuard(rdb, "test:")
	ctx := context.Background()

	release, err := g.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = g.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrInFlight)

	release()
	release()
	again, err := g.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	again()
	assert.False(t, mr.Exists("test:k"))
}

func TestResume(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CancelReservation", mock.Anything, "r5", "tok").Return(nil).Once()
	c := NewClient(backend, Options{})

	require.NoError(t, c.Resume(*reservation("r5", "t5")))
	assert.Equal(t, StateAwaitingAction, c.Attempt().State)
	require.NoError(t, c.Cancel(context.Background(), cred))

	active := reservation("r6", "t6")
	active.Status = models.ReservationActive
	require.NoError(t, c.Resume(*active))
	assert.Equal(t, StateDone, c.Attempt().State)

	expired := reservation("r7", "t7")
	expired.Status = models.ReservationExpired
	require.NoError(t, c.Resume(*expired))
	a := c.Attempt()
	assert.Equal(t, StateIdle, a.State)
	assert.True(t, a.Closed())
}

func TestAttemptIsSnapshot(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CreateReservation", mock.Anything, "t1", 10, "tok").Return(reservation("r1", "t1"), nil).Once()
	c := NewClient(backend, Options{})
	_, err := c.Create(context.Background(), "t1", 10, cred)
	require.NoError(t, err)

	a := c.Attempt()
	a.Reservation.ID = "changed"
	assert.Equal(t, "r1", c.Attempt().Reservation.ID)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInFlight, "Please wait, the previous request is still running."},
		{ErrInvalidDuration, "Choose a duration of 10 or 15 minutes."},
		{ErrInvalidState, "This reservation can no longer be changed."},
		{canteenapi.ErrUnauthorized, "Please log in to continue."},
		{canteenapi.ErrReservationConflict, "This table was just taken. Please pick another one."},
		{canteenapi.ErrNotFound, "The table or reservation no longer exists."},
		{canteenapi.ErrNetworkFailure, "Network problem. Please try again."},
		{errors.New("boom"), "Something went wrong."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserMessage(tt.err))
	}
}
