package facility

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a room or booking id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a version-checked write loses a race.
	ErrConflict = errors.New("version conflict")
	// ErrStorageUnavailable wraps transient storage failures. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrAlreadyExists is returned when a room number is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// ValidationError is a business-rule rejection. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Is matches any *ValidationError with the same reason, so the sentinels
// below work with errors.Is.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Reason == e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

var (
	ErrPatientAdmitted   = &ValidationError{Reason: "patient already admitted"}
	ErrRoomInactive      = &ValidationError{Reason: "room inactive"}
	ErrRoomFull          = &ValidationError{Reason: "room full"}
	ErrBookingNotActive  = &ValidationError{Reason: "booking not active"}
	ErrBookingDischarged = &ValidationError{Reason: "cannot cancel a discharged booking"}
	ErrBookingCancelled  = &ValidationError{Reason: "booking already cancelled"}
	ErrInvalidCapacity   = &ValidationError{Reason: "capacity below current occupancy"}
	ErrRoomOccupied      = &ValidationError{Reason: "room has active occupants"}
)

// IsValidation reports whether err is a business-rule rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
