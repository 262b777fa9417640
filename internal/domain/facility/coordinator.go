package facility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCancelNote = "Booking cancelled"
	notifyTimeout     = 5 * time.Second
)

// AdmissionCoordinator drives the booking state machine
// CONFIRMED -> DISCHARGED | CANCELLED and keeps room occupancy equal to the
// number of CONFIRMED bookings in the room. Every transition reads and writes
// the room and the booking inside one transaction guarded by version checks.
type AdmissionCoordinator struct {
	rooms    RoomStore
	bookings BookingStore
	tx       Transactor
	settings
}

func NewAdmissionCoordinator(rooms RoomStore, bookings BookingStore, tx Transactor, opts ...Option) *AdmissionCoordinator {
	return &AdmissionCoordinator{rooms: rooms, bookings: bookings, tx: tx, settings: newSettings(opts)}
}

func (c *AdmissionCoordinator) today() time.Time {
	return DateOnly(c.now())
}

// Admit places a patient in a room and returns the new CONFIRMED booking.
func (c *AdmissionCoordinator) Admit(ctx context.Context, req AdmitRequest) (*RoomBookingDTO, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	admissionDate := c.today()
	if req.AdmissionDate != nil {
		admissionDate = DateOnly(*req.AdmissionDate)
	}

	var (
		booking *RoomBooking
		room    *Room
	)
	err := c.withRetry(ctx, "admit", func() error {
		return c.tx.WithinTx(ctx, func(ctx context.Context) error {
			if _, err := c.bookings.GetActiveByPatient(ctx, req.PatientID); err == nil {
				return ErrPatientAdmitted
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}

			r, err := c.rooms.GetByID(ctx, req.RoomID)
			if err != nil {
				return fmt.Errorf("room %s: %w", req.RoomID, err)
			}
			if !r.Active {
				return ErrRoomInactive
			}
			if r.AvailableBeds() <= 0 {
				return ErrRoomFull
			}

			expected := r.VersionID
			r.CurrentOccupancy++
			if err := c.rooms.UpdateIfVersionMatches(ctx, r, expected); err != nil {
				return err
			}

			b := &RoomBooking{
				RoomID:          r.ID,
				PatientID:       req.PatientID,
				DoctorID:        req.DoctorID,
				AdmissionDate:   admissionDate,
				Status:          BookingConfirmed,
				AdmissionReason: req.AdmissionReason,
				Notes:           req.Notes,
			}
			if err := c.bookings.Insert(ctx, b); err != nil {
				return err
			}
			booking, room = b, r
			return nil
		})
	})
	if err != nil {
		c.log.Info().Err(err).Str("patient_id", req.PatientID.String()).
			Str("room_id", req.RoomID.String()).Msg("admission rejected")
		return nil, err
	}

	c.log.Info().Str("booking_id", booking.ID.String()).Str("patient_id", booking.PatientID.String()).
		Str("room_number", room.RoomNumber).Int("occupancy", room.CurrentOccupancy).Msg("patient admitted")
	c.notify(ctx, "admitted", booking, room, c.notifier.NotifyAdmitted)
	return &RoomBookingDTO{RoomBooking: *booking, RoomNumber: room.RoomNumber}, nil
}

// Discharge closes a CONFIRMED booking and frees its bed.
func (c *AdmissionCoordinator) Discharge(ctx context.Context, bookingID uuid.UUID, req DischargeRequest) (*RoomBookingDTO, error) {
	var (
		booking *RoomBooking
		room    *Room
	)
	err := c.withRetry(ctx, "discharge", func() error {
		return c.tx.WithinTx(ctx, func(ctx context.Context) error {
			b, err := c.bookings.GetByID(ctx, bookingID)
			if err != nil {
				return err
			}
			if b.Status != BookingConfirmed {
				return ErrBookingNotActive
			}

			dischargeDate := c.today()
			if req.DischargeDate != nil {
				dischargeDate = DateOnly(*req.DischargeDate)
			}
			if dischargeDate.Before(b.AdmissionDate) {
				return invalid("discharge date precedes admission date")
			}

			r, err := c.releaseBed(ctx, b.RoomID)
			if err != nil {
				return err
			}

			expected := b.VersionID
			b.Status = BookingDischarged
			b.DischargeDate = &dischargeDate
			b.DischargeNotes = req.DischargeNotes
			if err := c.bookings.UpdateIfVersionMatches(ctx, b, expected); err != nil {
				return err
			}
			booking, room = b, r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("booking_id", booking.ID.String()).Str("room_number", room.RoomNumber).
		Int("occupancy", room.CurrentOccupancy).Msg("patient discharged")
	c.notify(ctx, "discharged", booking, room, c.notifier.NotifyDischarged)
	return &RoomBookingDTO{RoomBooking: *booking, RoomNumber: room.RoomNumber}, nil
}

// Cancel withdraws a CONFIRMED booking and frees its bed. Discharged and
// already cancelled bookings are rejected.
func (c *AdmissionCoordinator) Cancel(ctx context.Context, bookingID uuid.UUID, reason *string) (*RoomBookingDTO, error) {
	note := defaultCancelNote
	if reason != nil && *reason != "" {
		note = *reason
	}

	var (
		booking *RoomBooking
		room    *Room
	)
	err := c.withRetry(ctx, "cancel", func() error {
		return c.tx.WithinTx(ctx, func(ctx context.Context) error {
			b, err := c.bookings.GetByID(ctx, bookingID)
			if err != nil {
				return err
			}
			switch b.Status {
			case BookingDischarged:
				return ErrBookingDischarged
			case BookingCancelled:
				return ErrBookingCancelled
			}

			r, err := c.releaseBed(ctx, b.RoomID)
			if err != nil {
				return err
			}

			expected := b.VersionID
			b.Status = BookingCancelled
			b.Notes = appendNote(b.Notes, note)
			if err := c.bookings.UpdateIfVersionMatches(ctx, b, expected); err != nil {
				return err
			}
			booking, room = b, r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("booking_id", booking.ID.String()).Str("room_number", room.RoomNumber).
		Str("reason", note).Msg("booking cancelled")
	return &RoomBookingDTO{RoomBooking: *booking, RoomNumber: room.RoomNumber}, nil
}

// releaseBed decrements the room's occupancy, never below zero. The room is
// written even when already empty so its version still serializes the change.
func (c *AdmissionCoordinator) releaseBed(ctx context.Context, roomID uuid.UUID) (*Room, error) {
	r, err := c.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", roomID, err)
	}
	if r.CurrentOccupancy > 0 {
		r.CurrentOccupancy--
	} else {
		c.log.Warn().Str("room_id", roomID.String()).Msg("releasing bed in a room with zero occupancy")
	}
	expected := r.VersionID
	if err := c.rooms.UpdateIfVersionMatches(ctx, r, expected); err != nil {
		return nil, err
	}
	return r, nil
}

func appendNote(existing *string, note string) *string {
	if existing == nil || *existing == "" {
		return strPtr(note)
	}
	return strPtr(*existing + "\n" + note)
}

func (c *AdmissionCoordinator) notify(ctx context.Context, event string, b *RoomBooking, r *Room,
	send func(context.Context, *RoomBooking, *Room) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := send(ctx, b, r); err != nil {
		c.log.Warn().Err(err).Str("event", event).Str("booking_id", b.ID.String()).Msg("notification failed")
	}
}

// -- Queries --

func (c *AdmissionCoordinator) GetBooking(ctx context.Context, id uuid.UUID) (*RoomBookingDTO, error) {
	b, err := c.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := c.enrich(ctx, []*RoomBooking{b})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GetActiveBookingByPatient returns ErrNotFound when the patient is not admitted.
func (c *AdmissionCoordinator) GetActiveBookingByPatient(ctx context.Context, patientID uuid.UUID) (*RoomBookingDTO, error) {
	b, err := c.bookings.GetActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out, err := c.enrich(ctx, []*RoomBooking{b})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *AdmissionCoordinator) ListBookingsByPatient(ctx context.Context, patientID uuid.UUID) ([]*RoomBookingDTO, error) {
	return c.listAll(ctx, BookingFilter{PatientID: &patientID})
}

func (c *AdmissionCoordinator) ListBookingsByRoom(ctx context.Context, roomID uuid.UUID) ([]*RoomBookingDTO, error) {
	return c.listAll(ctx, BookingFilter{RoomID: &roomID})
}

func (c *AdmissionCoordinator) ListActiveBookingsByRoom(ctx context.Context, roomID uuid.UUID) ([]*RoomBookingDTO, error) {
	st := BookingConfirmed
	return c.listAll(ctx, BookingFilter{RoomID: &roomID, Status: &st})
}

func (c *AdmissionCoordinator) ListBookingsByStatus(ctx context.Context, status BookingStatus, limit, offset int) ([]*RoomBookingDTO, int, error) {
	bookings, total, err := c.bookings.List(ctx, BookingFilter{Status: &status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, err
	}
	out, err := c.enrich(ctx, bookings)
	return out, total, err
}

// ListBookingsByAdmissionDateRange returns bookings admitted between from and
// to, both inclusive.
func (c *AdmissionCoordinator) ListBookingsByAdmissionDateRange(ctx context.Context, from, to time.Time) ([]*RoomBookingDTO, error) {
	if DateOnly(to).Before(DateOnly(from)) {
		return nil, invalid("date range end precedes start")
	}
	return c.listAll(ctx, BookingFilter{AdmittedFrom: &from, AdmittedTo: &to})
}

func (c *AdmissionCoordinator) CountActiveBookings(ctx context.Context) (int, error) {
	return c.bookings.CountByStatus(ctx, BookingConfirmed)
}

func (c *AdmissionCoordinator) listAll(ctx context.Context, f BookingFilter) ([]*RoomBookingDTO, error) {
	bookings, _, err := c.bookings.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return c.enrich(ctx, bookings)
}

// enrich joins room numbers onto bookings, loading each room once.
func (c *AdmissionCoordinator) enrich(ctx context.Context, bookings []*RoomBooking) ([]*RoomBookingDTO, error) {
	numbers := make(map[uuid.UUID]string)
	out := make([]*RoomBookingDTO, 0, len(bookings))
	for _, b := range bookings {
		number, ok := numbers[b.RoomID]
		if !ok {
			r, err := c.rooms.GetByID(ctx, b.RoomID)
			switch {
			case err == nil:
				number = r.RoomNumber
			case !errors.Is(err, ErrNotFound):
				return nil, err
			}
			numbers[b.RoomID] = number
		}
		out = append(out, &RoomBookingDTO{RoomBooking: *b, RoomNumber: number})
	}
	return out, nil
}
