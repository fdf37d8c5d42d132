package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"canteen/internal/canteenapi"
	"canteen/internal/lifecycle"
	"canteen/internal/session"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const canteenJSON = `{"_id":"c1","name":"Main","zones":[{"_id":"z1","name":"Hall","tables":[
	{"_id":"t1","number":1,"status":"Available"},
	{"_id":"t2","number":"2","status":"Reserved"}]}]}`

type backend struct {
	srv     *httptest.Server
	cancels atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /canteen/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"_id":"c1","name":"Main","blockedTables":1,"totalTables":2,"status":"medium"}]`))
	})
	mux.HandleFunc("GET /canteen/c1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(canteenJSON))
	})
	mux.HandleFunc("POST /reservation/t1", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "ok",
			"reservation": map[string]any{
				"_id": "r1", "tableID": "t1", "duration_minutes": body["duration_minutes"], "status": "Pending",
			},
		})
	})
	mux.HandleFunc("POST /reservation/t2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"Table already reserved"}`))
	})
	mux.HandleFunc("POST /reservation/t1/activate", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"activated"}`))
	})
	mux.HandleFunc("PUT /reservation/r1/cancel", func(w http.ResponseWriter, r *http.Request) {
		b.cancels.Add(1)
		_, _ = w.Write([]byte(`{"message":"cancelled"}`))
	})
	mux.HandleFunc("GET /reservation/my", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"_id":"r1","tableId":"t1","duration_minutes":10,"status":"pending"}]`))
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func newTestApp(t *testing.T, b *backend, token string) (*app, *bytes.Buffer) {
	t.Helper()
	sess := session.New()
	if token != "" {
		require.NoError(t, sess.Login(token))
	}
	out := &bytes.Buffer{}
	return &app{
		api:          canteenapi.NewClient(b.srv.URL, time.Second),
		session:      sess,
		out:          out,
		logger:       zerolog.Nop(),
		timeout:      time.Second,
		duration:     10,
		pollInterval: time.Hour,
	}, out
}

func TestListAndShow(t *testing.T) {
	b := newBackend(t)
	a, out := newTestApp(t, b, "")
	ctx := context.Background()

	require.NoError(t, a.run(ctx, []string{"list"}))
	assert.Equal(t, "1. Main  1/2  Medium  [c1]\n", out.String())

	out.Reset()
	require.NoError(t, a.run(ctx, []string{"show", "-filter=available", "c1"}))
	assert.Contains(t, out.String(), "Density: Medium (50.0%)")
	assert.Contains(t, out.String(), "#1 free [t1]")
	assert.NotContains(t, out.String(), "[t2]")

	assert.Error(t, a.run(ctx, []string{"show", "-filter=bogus", "c1"}))
	assert.Error(t, a.run(ctx, []string{"show"}))
}

func TestShowWritesWorkbook(t *testing.T) {
	b := newBackend(t)
	a, _ := newTestApp(t, b, "")
	path := filepath.Join(t.TempDir(), "c1.xlsx")

	require.NoError(t, a.run(context.Background(), []string{"show", "-xlsx", path, "c1"}))
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Contains(t, f.GetSheetList(), "Occupancy")
}

func TestReserveNeedsToken(t *testing.T) {
	b := newBackend(t)
	a, _ := newTestApp(t, b, "")

	err := a.run(context.Background(), []string{"reserve", "t1"})
	require.ErrorIs(t, err, canteenapi.ErrUnauthorized)
	assert.Equal(t, "Please log in to continue. ("+err.Error()+")", describe(err))
}

func TestReserveCheckInCancel(t *testing.T) {
	b := newBackend(t)
	a, out := newTestApp(t, b, "tok")
	ctx := context.Background()

	require.NoError(t, a.run(ctx, []string{"reserve", "-minutes=15", "t1"}))
	assert.Contains(t, out.String(), "Reservation r1 on table t1: Pending, 15 min")

	err := a.run(ctx, []string{"reserve", "t2"})
	assert.ErrorIs(t, err, canteenapi.ErrReservationConflict)

	err = a.run(ctx, []string{"reserve", "-minutes=20", "t1"})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidDuration)
	assert.True(t, strings.HasPrefix(describe(err), "Choose a duration of 10 or 15 minutes."))

	out.Reset()
	require.NoError(t, a.run(ctx, []string{"checkin", "t1"}))
	assert.Equal(t, "Checked in.\n", out.String())

	out.Reset()
	require.NoError(t, a.run(ctx, []string{"cancel", "r1"}))
	assert.Equal(t, "Reservation cancelled.\n", out.String())
	assert.Equal(t, int32(1), b.cancels.Load())
}

func TestMyExport(t *testing.T) {
	b := newBackend(t)
	a, out := newTestApp(t, b, "tok")
	ctx := context.Background()

	require.NoError(t, a.run(ctx, []string{"my"}))
	assert.Contains(t, out.String(), "Table t1  Pending  [r1]")

	path := filepath.Join(t.TempDir(), "my.xlsx")
	require.NoError(t, a.run(ctx, []string{"my", "-xlsx", path}))
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Reservations")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestWatchPrintsInitialSnapshot(t *testing.T) {
	b := newBackend(t)
	a, out := newTestApp(t, b, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, a.run(ctx, []string{"watch", "c1"}))
	assert.Contains(t, out.String(), "Main\nDensity: Medium (50.0%)")
}

func TestUnknownCommand(t *testing.T) {
	b := newBackend(t)
	a, _ := newTestApp(t, b, "")
	assert.Error(t, a.run(context.Background(), []string{"dance"}))
}
