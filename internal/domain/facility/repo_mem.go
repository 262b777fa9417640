package facility

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/facility/internal/platform/db"
)

type memState struct {
	rooms    map[uuid.UUID]*Room
	bookings map[uuid.UUID]*RoomBooking
}

func newMemState() *memState {
	return &memState{
		rooms:    make(map[uuid.UUID]*Room),
		bookings: make(map[uuid.UUID]*RoomBooking),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		rooms:    make(map[uuid.UUID]*Room, len(s.rooms)),
		bookings: make(map[uuid.UUID]*RoomBooking, len(s.bookings)),
	}
	for id, r := range s.rooms {
		c.rooms[id] = r.clone()
	}
	for id, b := range s.bookings {
		c.bookings[id] = b.clone()
	}
	return c
}

type memTxKey struct{}

type memTx struct {
	tenant string
	state  *memState
}

// MemoryStore keeps rooms and bookings in process, partitioned by tenant. A
// transaction holds the store lock, works on a copy of the tenant's state and
// swaps it in on success, so a failed unit of work leaves nothing behind.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*memState
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*memState),
		now:     time.Now,
	}
}

func (s *MemoryStore) Rooms() RoomStore       { return &roomRepoMem{s} }
func (s *MemoryStore) Bookings() BookingStore { return &bookingRepoMem{s} }

// WithinTx implements Transactor. Nested calls join the outer transaction.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := db.TenantFromContext(ctx)
	tx := &memTx{tenant: tenant, state: s.stateLocked(tenant).clone()}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	s.tenants[tenant] = tx.state
	return nil
}

func (s *MemoryStore) stateLocked(tenant string) *memState {
	st, ok := s.tenants[tenant]
	if !ok {
		st = newMemState()
		s.tenants[tenant] = st
	}
	return st
}

// do runs fn against the tenant state, inside the caller's transaction when
// ctx carries one and under the store lock otherwise.
func (s *MemoryStore) do(ctx context.Context, fn func(st *memState) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(tx.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.stateLocked(db.TenantFromContext(ctx)))
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// -- Rooms --

type roomRepoMem struct{ s *MemoryStore }

func (m *roomRepoMem) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	var out *Room
	err := m.s.do(ctx, func(st *memState) error {
		r, ok := st.rooms[id]
		if !ok {
			return ErrNotFound
		}
		out = r.clone()
		return nil
	})
	return out, err
}

func (m *roomRepoMem) GetByNumber(ctx context.Context, number string) (*Room, error) {
	var out *Room
	err := m.s.do(ctx, func(st *memState) error {
		for _, r := range st.rooms {
			if r.RoomNumber == number {
				out = r.clone()
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func checkRoomRow(r *Room) error {
	if r.CurrentOccupancy < 0 || r.CurrentOccupancy > r.Capacity {
		return invalid("constraint rooms_occupancy_check violated")
	}
	if r.Capacity < MinCapacity {
		return invalid("constraint rooms_capacity_check violated")
	}
	return nil
}

func (m *roomRepoMem) Insert(ctx context.Context, r *Room) error {
	return m.s.do(ctx, func(st *memState) error {
		for _, existing := range st.rooms {
			if existing.RoomNumber == r.RoomNumber {
				return fmt.Errorf("%w: rooms_room_number_key", ErrAlreadyExists)
			}
		}
		if err := checkRoomRow(r); err != nil {
			return err
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		now := m.s.now()
		r.VersionID = 1
		r.CreatedAt, r.UpdatedAt = now, now
		st.rooms[r.ID] = r.clone()
		return nil
	})
}

func (m *roomRepoMem) UpdateIfVersionMatches(ctx context.Context, r *Room, expected int) error {
	return m.s.do(ctx, func(st *memState) error {
		cur, ok := st.rooms[r.ID]
		if !ok || cur.VersionID != expected {
			return ErrConflict
		}
		if err := checkRoomRow(r); err != nil {
			return err
		}
		next := r.clone()
		next.RoomNumber = cur.RoomNumber
		next.CreatedAt = cur.CreatedAt
		next.VersionID = expected + 1
		next.UpdatedAt = m.s.now()
		st.rooms[r.ID] = next
		r.VersionID, r.UpdatedAt = next.VersionID, next.UpdatedAt
		return nil
	})
}

func (f RoomFilter) match(r *Room) bool {
	if f.RoomType != nil && r.RoomType != *f.RoomType {
		return false
	}
	if f.Floor != nil && (r.Floor == nil || *r.Floor != *f.Floor) {
		return false
	}
	if f.Wing != nil && (r.Wing == nil || *r.Wing != *f.Wing) {
		return false
	}
	if (f.ActiveOnly || f.Bookable) && !r.Active {
		return false
	}
	if f.Bookable && (!r.Available || r.CurrentOccupancy >= r.Capacity) {
		return false
	}
	return true
}

func (m *roomRepoMem) List(ctx context.Context, f RoomFilter) ([]*Room, int, error) {
	var (
		out   []*Room
		total int
	)
	err := m.s.do(ctx, func(st *memState) error {
		var all []*Room
		for _, r := range st.rooms {
			if f.match(r) {
				all = append(all, r.clone())
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].RoomNumber < all[j].RoomNumber })
		total = len(all)
		out = page(all, f.Limit, f.Offset)
		return nil
	})
	return out, total, err
}

func (m *roomRepoMem) CountBookable(ctx context.Context) (int, error) {
	_, n, err := m.List(ctx, RoomFilter{Bookable: true})
	return n, err
}

func (m *roomRepoMem) SumAvailableBeds(ctx context.Context) (int, error) {
	var n int
	err := m.s.do(ctx, func(st *memState) error {
		for _, r := range st.rooms {
			if r.Active {
				n += r.Capacity - r.CurrentOccupancy
			}
		}
		return nil
	})
	return n, err
}

// -- Bookings --

type bookingRepoMem struct{ s *MemoryStore }

func (m *bookingRepoMem) GetByID(ctx context.Context, id uuid.UUID) (*RoomBooking, error) {
	var out *RoomBooking
	err := m.s.do(ctx, func(st *memState) error {
		b, ok := st.bookings[id]
		if !ok {
			return ErrNotFound
		}
		out = b.clone()
		return nil
	})
	return out, err
}

func (m *bookingRepoMem) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*RoomBooking, error) {
	var out *RoomBooking
	err := m.s.do(ctx, func(st *memState) error {
		for _, b := range st.bookings {
			if b.PatientID == patientID && b.Status == BookingConfirmed {
				out = b.clone()
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

// checkActivePatient enforces the one-CONFIRMED-booking-per-patient index.
func checkActivePatient(st *memState, b *RoomBooking) error {
	if b.Status != BookingConfirmed {
		return nil
	}
	for id, other := range st.bookings {
		if id != b.ID && other.PatientID == b.PatientID && other.Status == BookingConfirmed {
			return ErrPatientAdmitted
		}
	}
	return nil
}

func (m *bookingRepoMem) Insert(ctx context.Context, b *RoomBooking) error {
	return m.s.do(ctx, func(st *memState) error {
		if _, ok := st.rooms[b.RoomID]; !ok {
			return invalid("constraint room_bookings_room_id_fkey violated")
		}
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		if err := checkActivePatient(st, b); err != nil {
			return err
		}
		now := m.s.now()
		b.VersionID = 1
		b.CreatedAt, b.UpdatedAt = now, now
		st.bookings[b.ID] = b.clone()
		return nil
	})
}

func (m *bookingRepoMem) UpdateIfVersionMatches(ctx context.Context, b *RoomBooking, expected int) error {
	return m.s.do(ctx, func(st *memState) error {
		cur, ok := st.bookings[b.ID]
		if !ok || cur.VersionID != expected {
			return ErrConflict
		}
		if err := checkActivePatient(st, b); err != nil {
			return err
		}
		next := b.clone()
		next.RoomID, next.PatientID, next.DoctorID = cur.RoomID, cur.PatientID, cur.DoctorID
		next.AdmissionDate = cur.AdmissionDate
		next.CreatedAt = cur.CreatedAt
		next.VersionID = expected + 1
		next.UpdatedAt = m.s.now()
		st.bookings[b.ID] = next
		b.VersionID, b.UpdatedAt = next.VersionID, next.UpdatedAt
		return nil
	})
}

func (f BookingFilter) match(b *RoomBooking) bool {
	if f.PatientID != nil && b.PatientID != *f.PatientID {
		return false
	}
	if f.RoomID != nil && b.RoomID != *f.RoomID {
		return false
	}
	if f.Status != nil && b.Status != *f.Status {
		return false
	}
	if f.AdmittedFrom != nil && b.AdmissionDate.Before(DateOnly(*f.AdmittedFrom)) {
		return false
	}
	if f.AdmittedTo != nil && b.AdmissionDate.After(DateOnly(*f.AdmittedTo)) {
		return false
	}
	return true
}

func (m *bookingRepoMem) List(ctx context.Context, f BookingFilter) ([]*RoomBooking, int, error) {
	var (
		out   []*RoomBooking
		total int
	)
	err := m.s.do(ctx, func(st *memState) error {
		var all []*RoomBooking
		for _, b := range st.bookings {
			if f.match(b) {
				all = append(all, b.clone())
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if !all[i].AdmissionDate.Equal(all[j].AdmissionDate) {
				return all[i].AdmissionDate.After(all[j].AdmissionDate)
			}
			return all[i].CreatedAt.After(all[j].CreatedAt)
		})
		total = len(all)
		out = page(all, f.Limit, f.Offset)
		return nil
	})
	return out, total, err
}

func (m *bookingRepoMem) CountByStatus(ctx context.Context, status BookingStatus) (int, error) {
	_, n, err := m.List(ctx, BookingFilter{Status: &status})
	return n, err
}
