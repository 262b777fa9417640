package facility

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testDay = time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testDay }

type env struct {
	store       *MemoryStore
	registry    *RoomRegistry
	coordinator *AdmissionCoordinator
	notifier    *recordingNotifier
	metrics     *countingMetrics
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	store := NewMemoryStore()
	n := &recordingNotifier{}
	m := &countingMetrics{outcomes: map[string]int{}, retries: map[string]int{}}
	base := []Option{WithClock(fixedClock), WithNotifier(n), WithMetrics(m), WithRetryPolicy(RetryPolicy{MaxAttempts: 5})}
	opts = append(base, opts...)
	return &env{
		store:       store,
		registry:    NewRoomRegistry(store.Rooms(), store, opts...),
		coordinator: NewAdmissionCoordinator(store.Rooms(), store.Bookings(), store, opts...),
		notifier:    n,
		metrics:     m,
	}
}

func (e *env) createRoom(t *testing.T, number string, capacity int) *RoomDTO {
	t.Helper()
	room, err := e.registry.CreateRoom(context.Background(), CreateRoomRequest{
		RoomNumber: number,
		RoomType:   RoomTypeGeneralWard,
		Capacity:   capacity,
		DailyRate:  150,
	})
	if err != nil {
		t.Fatalf("create room %s: %v", number, err)
	}
	return room
}

func (e *env) admit(t *testing.T, roomID uuid.UUID) *RoomBookingDTO {
	t.Helper()
	b, err := e.coordinator.Admit(context.Background(), AdmitRequest{
		RoomID:    roomID,
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return b
}

func (e *env) occupancy(t *testing.T, roomID uuid.UUID) int {
	t.Helper()
	r, err := e.registry.GetRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	return r.CurrentOccupancy
}

// assertConserved checks that every room's occupancy equals its number of
// CONFIRMED bookings.
func (e *env) assertConserved(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	rooms, _, err := e.store.Rooms().List(ctx, RoomFilter{})
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	for _, r := range rooms {
		active, err := e.coordinator.ListActiveBookingsByRoom(ctx, r.ID)
		if err != nil {
			t.Fatalf("list active bookings: %v", err)
		}
		if r.CurrentOccupancy != len(active) {
			t.Errorf("room %s: occupancy %d, confirmed bookings %d", r.RoomNumber, r.CurrentOccupancy, len(active))
		}
		if r.CurrentOccupancy < 0 || r.CurrentOccupancy > r.Capacity {
			t.Errorf("room %s: occupancy %d outside [0,%d]", r.RoomNumber, r.CurrentOccupancy, r.Capacity)
		}
	}
}

// -- Test doubles --

type recordingNotifier struct {
	mu         sync.Mutex
	admitted   []uuid.UUID
	discharged []uuid.UUID
	err        error
}

func (n *recordingNotifier) NotifyAdmitted(_ context.Context, b *RoomBooking, _ *Room) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admitted = append(n.admitted, b.ID)
	return n.err
}

func (n *recordingNotifier) NotifyDischarged(_ context.Context, b *RoomBooking, _ *Room) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.discharged = append(n.discharged, b.ID)
	return n.err
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	retries  map[string]int
}

func (m *countingMetrics) Outcome(op, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[op+":"+result]++
}

func (m *countingMetrics) ConflictRetry(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[op]++
}

// conflictingRooms fails the first n version-checked room writes with
// ErrConflict, the way a concurrent writer would.
type conflictingRooms struct {
	RoomStore
	mu        sync.Mutex
	remaining int
	attempts  int
}

func (c *conflictingRooms) UpdateIfVersionMatches(ctx context.Context, r *Room, expected int) error {
	c.mu.Lock()
	c.attempts++
	if c.remaining > 0 {
		c.remaining--
		c.mu.Unlock()
		return ErrConflict
	}
	c.mu.Unlock()
	return c.RoomStore.UpdateIfVersionMatches(ctx, r, expected)
}

// failingBookings makes Insert fail after the room write has happened.
type failingBookings struct {
	BookingStore
}

func (failingBookings) Insert(context.Context, *RoomBooking) error {
	return errors.Join(ErrStorageUnavailable, errors.New("connection reset"))
}
