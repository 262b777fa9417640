package facility

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RoomFilter narrows RoomStore.List. Zero values mean "no constraint";
// Limit 0 returns every match.
type RoomFilter struct {
	RoomType   *RoomType
	Floor      *string
	Wing       *string
	ActiveOnly bool
	// Bookable restricts to active, available rooms with at least one free bed.
	Bookable bool
	Limit    int
	Offset   int
}

// BookingFilter narrows BookingStore.List. AdmittedFrom and AdmittedTo are
// inclusive calendar dates.
type BookingFilter struct {
	PatientID    *uuid.UUID
	RoomID       *uuid.UUID
	Status       *BookingStatus
	AdmittedFrom *time.Time
	AdmittedTo   *time.Time
	Limit        int
	Offset       int
}

// RoomStore persists rooms. Implementations return ErrNotFound, ErrConflict,
// ErrAlreadyExists or wrap ErrStorageUnavailable.
type RoomStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Room, error)
	GetByNumber(ctx context.Context, number string) (*Room, error)
	Insert(ctx context.Context, r *Room) error
	// UpdateIfVersionMatches writes r only when the stored version equals
	// expected, then advances r.VersionID.
	UpdateIfVersionMatches(ctx context.Context, r *Room, expected int) error
	List(ctx context.Context, f RoomFilter) ([]*Room, int, error)
	CountBookable(ctx context.Context) (int, error)
	SumAvailableBeds(ctx context.Context) (int, error)
}

// BookingStore persists bookings. Insert and UpdateIfVersionMatches return
// ErrPatientAdmitted when a second CONFIRMED booking would exist for a patient.
type BookingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*RoomBooking, error)
	GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*RoomBooking, error)
	Insert(ctx context.Context, b *RoomBooking) error
	UpdateIfVersionMatches(ctx context.Context, b *RoomBooking, expected int) error
	List(ctx context.Context, f BookingFilter) ([]*RoomBooking, int, error)
	CountByStatus(ctx context.Context, status BookingStatus) (int, error)
}

// Transactor runs fn as one atomic unit of work. Store calls made with the
// ctx passed to fn join the transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
