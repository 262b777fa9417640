package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/facility/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                 "test",
		LogLevel:            "error",
		StoreBackend:        config.StoreMemory,
		EventsStream:        "facility:admissions",
		EventsMaxLen:        1000,
		AuthMode:            config.AuthDevelopment,
		DefaultTenant:       "default",
		CORSOrigins:         []string{"*"},
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
		RequestTimeout:      5 * time.Second,
		BodyLimit:           "1M",
		AdmissionMaxRetries: 3,
		AdmissionRetryDelay: time.Millisecond,
		MetricsEnabled:      true,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	e, cleanup, err := buildServer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return e
}

type call struct {
	method, path string
	body         any
	tenant       string
	roles        string
}

func do(t *testing.T, e *echo.Echo, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	if c.body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	if c.roles != "" {
		req.Header.Set("X-Dev-Roles", c.roles)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createRoom(t *testing.T, e *echo.Echo, tenant, number string, capacity int) uuid.UUID {
	t.Helper()
	rec := do(t, e, call{method: http.MethodPost, path: "/api/v1/rooms", tenant: tenant, body: map[string]any{
		"room_number": number,
		"room_type":   "PRIVATE",
		"capacity":    capacity,
		"daily_rate":  450.0,
		"wing":        "East",
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var room struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	return room.ID
}

func admit(t *testing.T, e *echo.Echo, tenant string, roomID uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, e, call{method: http.MethodPost, path: "/api/v1/bookings/admit", tenant: tenant, body: map[string]any{
		"room_id":    roomID,
		"patient_id": uuid.New(),
		"doctor_id":  uuid.New(),
	}})
}

func TestServer_Health(t *testing.T) {
	e := newTestServer(t, testConfig())

	rec := do(t, e, call{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, version, body["version"])
	assert.Equal(t, config.StoreMemory, body["store"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_AdmitFillsRoom(t *testing.T) {
	e := newTestServer(t, testConfig())
	roomID := createRoom(t, e, "", "101", 1)

	rec := admit(t, e, "", roomID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = admit(t, e, "", roomID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "room full")

	rec = do(t, e, call{method: http.MethodGet, path: "/api/v1/rooms/" + roomID.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	var room struct {
		CurrentOccupancy int `json:"current_occupancy"`
		AvailableBeds    int `json:"available_beds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	assert.Equal(t, 1, room.CurrentOccupancy)
	assert.Equal(t, 0, room.AvailableBeds)
	assert.NotEmpty(t, rec.Header().Get("ETag"))
}

func TestServer_ExpiredDeadlineReturnsGatewayTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = time.Nanosecond
	e := newTestServer(t, cfg)

	rec := do(t, e, call{method: http.MethodGet, path: "/api/v1/rooms/" + uuid.NewString()})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
}

func TestServer_TenantsAreIsolated(t *testing.T) {
	e := newTestServer(t, testConfig())
	roomID := createRoom(t, e, "north", "201", 2)

	rec := do(t, e, call{method: http.MethodGet, path: "/api/v1/rooms/" + roomID.String(), tenant: "south"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, call{method: http.MethodGet, path: "/api/v1/rooms/" + roomID.String(), tenant: "north"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The same room number is free in another tenant.
	createRoom(t, e, "south", "201", 2)
}

func TestServer_RoomWritesRequireInventoryRole(t *testing.T) {
	e := newTestServer(t, testConfig())

	rec := do(t, e, call{method: http.MethodPost, path: "/api/v1/rooms", roles: "nurse", body: map[string]any{
		"room_number": "301",
		"room_type":   "ICU",
		"capacity":    1,
		"daily_rate":  900.0,
	}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, e, call{method: http.MethodGet, path: "/api/v1/rooms", roles: "nurse"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdmissionPostsWardNotice(t *testing.T) {
	e := newTestServer(t, testConfig())
	roomID := createRoom(t, e, "", "102", 2)
	require.Equal(t, http.StatusCreated, admit(t, e, "", roomID).Code)

	rec := do(t, e, call{method: http.MethodGet, path: "/api/v1/notifications?recipient=ward:east", roles: "nurse"})
	require.Equal(t, http.StatusOK, rec.Code)
	var notices []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notices))
	assert.Len(t, notices, 1)

	rec = do(t, e, call{method: http.MethodGet, path: "/api/v1/notifications", roles: "billing"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_MetricsExposition(t *testing.T) {
	e := newTestServer(t, testConfig())
	roomID := createRoom(t, e, "", "103", 1)
	require.Equal(t, http.StatusCreated, admit(t, e, "", roomID).Code)

	rec := do(t, e, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "facility_http_request_duration_seconds")
	assert.True(t, strings.Contains(body, `op="admit"`), "admission outcome missing from exposition")
}

func TestServer_EventFeedFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	e := newTestServer(t, cfg)

	roomID := createRoom(t, e, "", "104", 1)
	require.Equal(t, http.StatusCreated, admit(t, e, "", roomID).Code)

	rec := do(t, e, call{method: http.MethodGet, path: "/api/v1/events"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var feed struct {
		Entries []struct {
			Type     string `json:"event_type"`
			TenantID string `json:"tenant_id"`
		} `json:"entries"`
		LastID string `json:"last_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feed))
	require.Len(t, feed.Entries, 1)
	assert.Equal(t, "default", feed.Entries[0].TenantID)
	assert.NotEmpty(t, feed.LastID)
}

func TestServer_EventFeedAbsentWithoutRedis(t *testing.T) {
	e := newTestServer(t, testConfig())
	rec := do(t, e, call{method: http.MethodGet, path: "/api/v1/events"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
