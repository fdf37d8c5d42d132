// Package canteenapi is the HTTP client for the canteen backend.
package canteenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"canteen/internal/metrics"
	"canteen/internal/models"
	"canteen/internal/tracing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const canteenListCacheKey = "canteen:list"

// Client calls the canteen backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	redis    *redis.Client
	cacheTTL time.Duration

	limiter *rate.Limiter
}

// NewClient constructs a client for baseURL (e.g. https://host/api).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     zerolog.Nop(),
	}
}

// UseLogger sets the logger used for request tracing.
func (c *Client) UseLogger(l zerolog.Logger) {
	c.logger = l.With().Str("component", "canteenapi").Logger()
}

// UseRedisCache enables caching of the canteen list. Canteen detail and
// reservation calls are never cached.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// UseRateLimit caps outgoing requests per second.
func (c *Client) UseRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		c.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// ListCanteens fetches GET /canteen/.
func (c *Client) ListCanteens(ctx context.Context) ([]models.CanteenSummary, error) {
	var list []models.CanteenSummary
	if c.readCache(ctx, canteenListCacheKey, &list) {
		return list, nil
	}
	if err := c.doJSON(ctx, "list_canteens", http.MethodGet, "/canteen/", "", nil, &list); err != nil {
		return nil, err
	}
	c.writeCache(ctx, canteenListCacheKey, list)
	return list, nil
}

// GetCanteen fetches one canteen with all zones and tables.
func (c *Client) GetCanteen(ctx context.Context, canteenID string) (*models.Canteen, error) {
	if canteenID == "" {
		return nil, fmt.Errorf("get canteen: %w", ErrNotFound)
	}
	var canteen models.Canteen
	path := "/canteen/" + url.PathEscape(canteenID)
	if err := c.doJSON(ctx, "get_canteen", http.MethodGet, path, "", nil, &canteen); err != nil {
		return nil, err
	}
	return &canteen, nil
}

type createReservationRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

type createReservationResponse struct {
	Message     string              `json:"message"`
	Reservation *models.Reservation `json:"reservation"`
}

// CreateReservation posts a reservation for tableID.
func (c *Client) CreateReservation(ctx context.Context, tableID string, minutes int, token string) (*models.Reservation, error) {
	if token == "" {
		return nil, fmt.Errorf("create reservation: %w", ErrUnauthorized)
	}
	var resp createReservationResponse
	path := "/reservation/" + url.PathEscape(tableID)
	body := createReservationRequest{DurationMinutes: minutes}
	if err := c.doJSON(ctx, "create_reservation", http.MethodPost, path, token, body, &resp); err != nil {
		return nil, err
	}
	if resp.Reservation == nil || resp.Reservation.ID == "" {
		return nil, fmt.Errorf("create reservation: %w: response has no reservation", ErrNetworkFailure)
	}
	if resp.Reservation.TableID == "" {
		resp.Reservation.TableID = tableID
	}
	if resp.Reservation.DurationMinutes == 0 {
		resp.Reservation.DurationMinutes = minutes
	}
	return resp.Reservation, nil
}

// CancelReservation cancels a reservation by id.
func (c *Client) CancelReservation(ctx context.Context, reservationID, token string) error {
	if token == "" {
		return fmt.Errorf("cancel reservation: %w", ErrUnauthorized)
	}
	path := "/reservation/" + url.PathEscape(reservationID) + "/cancel"
	return c.doJSON(ctx, "cancel_reservation", http.MethodPut, path, token, nil, nil)
}

// ActivateReservation checks in to the reservation held on tableID.
func (c *Client) ActivateReservation(ctx context.Context, tableID, token string) error {
	if token == "" {
		return fmt.Errorf("activate reservation: %w", ErrUnauthorized)
	}
	path := "/reservation/" + url.PathEscape(tableID) + "/activate"
	return c.doJSON(ctx, "activate_reservation", http.MethodPost, path, token, nil, nil)
}

// MyReservations lists the reservations of the token's owner.
func (c *Client) MyReservations(ctx context.Context, token string) ([]models.Reservation, error) {
	if token == "" {
		return nil, fmt.Errorf("my reservations: %w", ErrUnauthorized)
	}
	var list []models.Reservation
	if err := c.doJSON(ctx, "my_reservations", http.MethodGet, "/reservation/my", token, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// HealthCheck checks that the backend answers the canteen list.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.doJSON(ctx, "health", http.MethodGet, "/canteen/", "", nil, nil)
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) doJSON(ctx context.Context, op, method, path, token string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return networkError(op, err)
		}
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, span := tracing.StartClientSpan(ctx, op, method, path)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		tracing.EndClientSpan(span, 0, err)
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)
	tracing.Inject(ctx, req.Header)

	start := time.Now()
	status, err := c.do(op, req, out)
	elapsed := time.Since(start)
	tracing.EndClientSpan(span, status, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveAPICall(op, outcome, elapsed.Seconds())

	ev := c.logger.Debug()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("op", op).
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("elapsed", elapsed).
		Msg("backend call")
	return err
}

func (c *Client) do(op string, req *http.Request, out any) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, networkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, newAPIError(op, resp.StatusCode, readMessage(resp.Body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: %w: decode response: %v", op, ErrNetworkFailure, err)
	}
	return resp.StatusCode, nil
}

func readMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}
