package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/facility/internal/domain/facility"
	"github.com/ehr/facility/internal/platform/db"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Publisher) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	p := NewPublisher(client, "test:admissions")
	p.now = func() time.Time { return time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC) }
	return mr, client, p
}

func testBooking() (*facility.RoomBooking, *facility.Room) {
	room := &facility.Room{ID: uuid.New(), RoomNumber: "ICU-3"}
	return &facility.RoomBooking{
		ID:            uuid.New(),
		RoomID:        room.ID,
		PatientID:     uuid.New(),
		DoctorID:      uuid.New(),
		AdmissionDate: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
		Status:        facility.BookingConfirmed,
	}, room
}

func TestPublisher_NotifyAdmitted(t *testing.T) {
	mr, _, p := setupTestRedis(t)
	b, r := testBooking()
	ctx := db.WithTenant(context.Background(), "acme")

	require.NoError(t, p.NotifyAdmitted(ctx, b, r))

	entries, err := mr.Stream("test:admissions")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fields := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		fields[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	assert.Equal(t, TypePatientAdmitted, fields["type"])
	assert.Equal(t, "1710057600", fields["timestamp"])

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(fields["data"]), &ev))
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "acme", ev.TenantID)
	assert.Equal(t, b.ID, ev.BookingID)
	assert.Equal(t, b.PatientID, ev.PatientID)
	assert.Equal(t, r.ID, ev.RoomID)
	assert.Equal(t, "ICU-3", ev.RoomNumber)
	assert.Equal(t, "2024-03-09", ev.Date)
}

func TestPublisher_NotifyDischarged(t *testing.T) {
	_, _, p := setupTestRedis(t)
	b, r := testBooking()
	ctx := context.Background()

	require.NoError(t, p.NotifyAdmitted(ctx, b, r))
	discharged := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	b.Status = facility.BookingDischarged
	b.DischargeDate = &discharged
	require.NoError(t, p.NotifyDischarged(ctx, b, r))

	batch, err := p.Read(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	require.Len(t, batch.IDs, 2)
	assert.Equal(t, TypePatientAdmitted, batch.Events[0].EventType)
	assert.Equal(t, TypePatientDischarged, batch.Events[1].EventType)
	assert.Equal(t, "2024-03-14", batch.Events[1].Date)
	assert.NotEqual(t, batch.Events[0].EventID, batch.Events[1].EventID)
	assert.Equal(t, batch.IDs[1], batch.LastID)

	rest, err := p.Read(ctx, batch.IDs[0], 10)
	require.NoError(t, err)
	require.Len(t, rest.Events, 1)
	assert.Equal(t, TypePatientDischarged, rest.Events[0].EventType)
}

func TestPublisher_DischargeWithoutDateUsesClock(t *testing.T) {
	_, _, p := setupTestRedis(t)
	b, r := testBooking()

	require.NoError(t, p.NotifyDischarged(context.Background(), b, r))
	batch, err := p.Read(context.Background(), "", 1)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "2024-03-10", batch.Events[0].Date)
}

func TestPublisher_ReadSkipsForeignEntriesButAdvancesCursor(t *testing.T) {
	_, client, p := setupTestRedis(t)
	ctx := context.Background()
	b, r := testBooking()

	require.NoError(t, p.NotifyAdmitted(ctx, b, r))
	noData, err := client.XAdd(ctx, &redis.XAddArgs{Stream: p.stream, Values: map[string]interface{}{"type": "Heartbeat"}}).Result()
	require.NoError(t, err)
	garbled, err := client.XAdd(ctx, &redis.XAddArgs{Stream: p.stream, Values: map[string]interface{}{"data": "{not json"}}).Result()
	require.NoError(t, err)

	batch, err := p.Read(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, garbled, batch.LastID)

	batch, err = p.Read(ctx, noData, 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Events)
	assert.Equal(t, garbled, batch.LastID)

	batch, err = p.Read(ctx, garbled, 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Events)
	assert.Equal(t, garbled, batch.LastID, "cursor stays put when nothing new arrived")
}

func TestPublisher_ReadRejectsMalformedCursor(t *testing.T) {
	_, _, p := setupTestRedis(t)
	for _, after := range []string{"abc", "1-", "-1", "1-2-3", "(1"} {
		_, err := p.Read(context.Background(), after, 10)
		assert.ErrorIs(t, err, ErrInvalidCursor, after)
	}
	_, err := p.Read(context.Background(), "1710057600000-0", 10)
	assert.NoError(t, err)
}

func TestPublisher_MaxLen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	p := NewPublisher(client, "", WithMaxLen(2))
	b, r := testBooking()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.NotifyAdmitted(context.Background(), b, r))
	}
	entries, err := mr.Stream(DefaultStream)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 5)
	assert.NotEmpty(t, entries)
}

func TestPublisher_ServerDown(t *testing.T) {
	mr, _, p := setupTestRedis(t)
	b, r := testBooking()
	mr.Close()

	err := p.NotifyAdmitted(context.Background(), b, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish PatientAdmitted")
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	_, err = NewClient(context.Background(), "not a url")
	assert.Error(t, err)
}
