package facility

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/facility/internal/platform/fhir"
)

// RoomType classifies a room by the kind of care it supports.
type RoomType string

const (
	RoomTypeGeneralWard      RoomType = "GENERAL_WARD"
	RoomTypeSemiPrivate      RoomType = "SEMI_PRIVATE"
	RoomTypePrivate          RoomType = "PRIVATE"
	RoomTypeICU              RoomType = "ICU"
	RoomTypeNICU             RoomType = "NICU"
	RoomTypeOperationTheater RoomType = "OPERATION_THEATER"
	RoomTypeEmergency        RoomType = "EMERGENCY"
	RoomTypeIsolation        RoomType = "ISOLATION"
	RoomTypeMaternity        RoomType = "MATERNITY"
	RoomTypePediatric        RoomType = "PEDIATRIC"
)

var validRoomTypes = map[RoomType]bool{
	RoomTypeGeneralWard:      true,
	RoomTypeSemiPrivate:      true,
	RoomTypePrivate:          true,
	RoomTypeICU:              true,
	RoomTypeNICU:             true,
	RoomTypeOperationTheater: true,
	RoomTypeEmergency:        true,
	RoomTypeIsolation:        true,
	RoomTypeMaternity:        true,
	RoomTypePediatric:        true,
}

// ParseRoomType accepts the canonical upper-case name in any case.
func ParseRoomType(s string) (RoomType, error) {
	t := RoomType(strings.ToUpper(strings.TrimSpace(s)))
	if !validRoomTypes[t] {
		return "", invalid("invalid room type: %s", s)
	}
	return t, nil
}

// BookingStatus is the state of a RoomBooking. CONFIRMED is the only
// non-terminal state.
type BookingStatus string

const (
	BookingConfirmed  BookingStatus = "CONFIRMED"
	BookingDischarged BookingStatus = "DISCHARGED"
	BookingCancelled  BookingStatus = "CANCELLED"
)

var validBookingStatuses = map[BookingStatus]bool{
	BookingConfirmed:  true,
	BookingDischarged: true,
	BookingCancelled:  true,
}

func ParseBookingStatus(s string) (BookingStatus, error) {
	st := BookingStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !validBookingStatuses[st] {
		return "", invalid("invalid booking status: %s", s)
	}
	return st, nil
}

// Terminal reports whether no further transition is allowed.
func (s BookingStatus) Terminal() bool {
	return s == BookingDischarged || s == BookingCancelled
}

// Lifecycle is the explicit service state derived from a room's flags.
type Lifecycle string

const (
	LifecycleInService    Lifecycle = "in_service"
	LifecycleOutOfService Lifecycle = "out_of_service"
	LifecycleRetired      Lifecycle = "retired"
)

// Capacity bounds accepted on create and update.
const (
	MinCapacity = 1
	MaxCapacity = 20
)

// Room is a capacity-bearing pool of beds.
type Room struct {
	ID               uuid.UUID `db:"id" json:"id"`
	RoomNumber       string    `db:"room_number" json:"room_number"`
	RoomType         RoomType  `db:"room_type" json:"room_type"`
	Capacity         int       `db:"capacity" json:"capacity"`
	CurrentOccupancy int       `db:"current_occupancy" json:"current_occupancy"`
	DailyRate        float64   `db:"daily_rate" json:"daily_rate"`
	Floor            *string   `db:"floor" json:"floor,omitempty"`
	Wing             *string   `db:"wing" json:"wing,omitempty"`
	Description      *string   `db:"description" json:"description,omitempty"`
	Available        bool      `db:"available" json:"available"`
	Active           bool      `db:"active" json:"active"`
	VersionID        int       `db:"version_id" json:"version_id"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// AvailableBeds is capacity minus occupancy, never negative.
func (r *Room) AvailableBeds() int {
	if n := r.Capacity - r.CurrentOccupancy; n > 0 {
		return n
	}
	return 0
}

func (r *Room) Lifecycle() Lifecycle {
	switch {
	case !r.Active:
		return LifecycleRetired
	case !r.Available:
		return LifecycleOutOfService
	default:
		return LifecycleInService
	}
}

func (r *Room) clone() *Room {
	c := *r
	c.Floor = cloneStr(r.Floor)
	c.Wing = cloneStr(r.Wing)
	c.Description = cloneStr(r.Description)
	return &c
}

// ToFHIR renders the room as a FHIR Location with physicalType "ro".
func (r *Room) ToFHIR() map[string]interface{} {
	status := "active"
	if !r.Active {
		status = "inactive"
	}
	opStatus := "U" // unoccupied
	switch {
	case r.CurrentOccupancy >= r.Capacity:
		opStatus = "O"
	case !r.Available:
		opStatus = "C"
	}

	result := map[string]interface{}{
		"resourceType": "Location",
		"id":           r.ID.String(),
		"status":       status,
		"name":         r.RoomNumber,
		"mode":         "instance",
		"meta": fhir.Meta{
			VersionID:   fmt.Sprintf("%d", r.VersionID),
			LastUpdated: r.UpdatedAt,
		},
		"operationalStatus": fhir.Coding{
			System: "http://terminology.hl7.org/CodeSystem/v2-0116",
			Code:   opStatus,
		},
		"physicalType": fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  "http://terminology.hl7.org/CodeSystem/location-physical-type",
				Code:    "ro",
				Display: "Room",
			}},
		},
		"type": []fhir.CodeableConcept{{Text: string(r.RoomType)}},
		"extension": []fhir.Extension{
			{URL: "urn:ehr:facility:capacity", ValueInteger: intPtr(r.Capacity)},
			{URL: "urn:ehr:facility:available-beds", ValueInteger: intPtr(r.AvailableBeds())},
		},
	}
	if r.Description != nil {
		result["description"] = *r.Description
	}
	if r.Floor != nil || r.Wing != nil {
		parts := []string{}
		if r.Wing != nil {
			parts = append(parts, "Wing "+*r.Wing)
		}
		if r.Floor != nil {
			parts = append(parts, "Floor "+*r.Floor)
		}
		result["alias"] = []string{strings.Join(parts, ", ")}
	}
	return result
}

// RoomBooking records one patient's stay in a room. It references the room
// by id only.
type RoomBooking struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	RoomID          uuid.UUID     `db:"room_id" json:"room_id"`
	PatientID       uuid.UUID     `db:"patient_id" json:"patient_id"`
	DoctorID        uuid.UUID     `db:"doctor_id" json:"doctor_id"`
	AdmissionDate   time.Time     `db:"admission_date" json:"admission_date"`
	DischargeDate   *time.Time    `db:"discharge_date" json:"discharge_date,omitempty"`
	Status          BookingStatus `db:"status" json:"status"`
	AdmissionReason *string       `db:"admission_reason" json:"admission_reason,omitempty"`
	Notes           *string       `db:"notes" json:"notes,omitempty"`
	DischargeNotes  *string       `db:"discharge_notes" json:"discharge_notes,omitempty"`
	VersionID       int           `db:"version_id" json:"version_id"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

func (b *RoomBooking) clone() *RoomBooking {
	c := *b
	if b.DischargeDate != nil {
		d := *b.DischargeDate
		c.DischargeDate = &d
	}
	c.AdmissionReason = cloneStr(b.AdmissionReason)
	c.Notes = cloneStr(b.Notes)
	c.DischargeNotes = cloneStr(b.DischargeNotes)
	return &c
}

var encounterStatus = map[BookingStatus]string{
	BookingConfirmed:  "in-progress",
	BookingDischarged: "finished",
	BookingCancelled:  "cancelled",
}

// ToFHIR renders the booking as an inpatient FHIR Encounter.
func (b *RoomBooking) ToFHIR() map[string]interface{} {
	start := b.AdmissionDate
	result := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           b.ID.String(),
		"status":       encounterStatus[b.Status],
		"class": fhir.Coding{
			System:  "http://terminology.hl7.org/CodeSystem/v3-ActCode",
			Code:    "IMP",
			Display: "inpatient encounter",
		},
		"meta": fhir.Meta{
			VersionID:   fmt.Sprintf("%d", b.VersionID),
			LastUpdated: b.UpdatedAt,
		},
		"subject": fhir.Reference{Reference: fhir.FormatReference("Patient", b.PatientID.String())},
		"participant": []map[string]interface{}{
			{"individual": fhir.Reference{Reference: fhir.FormatReference("Practitioner", b.DoctorID.String())}},
		},
		"location": []map[string]interface{}{
			{"location": fhir.Reference{Reference: fhir.FormatReference("Location", b.RoomID.String())}},
		},
		"period": fhir.Period{Start: &start, End: b.DischargeDate},
	}
	if b.AdmissionReason != nil {
		result["reasonCode"] = []fhir.CodeableConcept{{Text: *b.AdmissionReason}}
	}
	return result
}

// RoomDTO is the read model for a room.
type RoomDTO struct {
	Room
	AvailableBeds int       `json:"available_beds"`
	Lifecycle     Lifecycle `json:"lifecycle"`
}

func NewRoomDTO(r *Room) *RoomDTO {
	return &RoomDTO{Room: *r, AvailableBeds: r.AvailableBeds(), Lifecycle: r.Lifecycle()}
}

// RoomBookingDTO is a booking joined with its room's number.
type RoomBookingDTO struct {
	RoomBooking
	RoomNumber string `json:"room_number"`
}

// CreateRoomRequest carries the fields for a new room.
type CreateRoomRequest struct {
	RoomNumber  string   `json:"room_number"`
	RoomType    RoomType `json:"room_type"`
	Capacity    int      `json:"capacity"`
	DailyRate   float64  `json:"daily_rate"`
	Floor       *string  `json:"floor,omitempty"`
	Wing        *string  `json:"wing,omitempty"`
	Description *string  `json:"description,omitempty"`
}

func (r *CreateRoomRequest) Validate() error {
	r.RoomNumber = strings.TrimSpace(r.RoomNumber)
	if r.RoomNumber == "" {
		return invalid("room_number is required")
	}
	if r.RoomType == "" {
		return invalid("room_type is required")
	}
	t, err := ParseRoomType(string(r.RoomType))
	if err != nil {
		return err
	}
	r.RoomType = t
	if err := validateCapacity(r.Capacity); err != nil {
		return err
	}
	if r.DailyRate <= 0 {
		return invalid("daily_rate must be positive")
	}
	return nil
}

// UpdateRoomRequest is a partial update. Nil fields are left unchanged.
// ExpectedVersion, when non-zero, must match the stored version.
type UpdateRoomRequest struct {
	RoomType        *RoomType `json:"room_type,omitempty"`
	Capacity        *int      `json:"capacity,omitempty"`
	DailyRate       *float64  `json:"daily_rate,omitempty"`
	Floor           *string   `json:"floor,omitempty"`
	Wing            *string   `json:"wing,omitempty"`
	Description     *string   `json:"description,omitempty"`
	Available       *bool     `json:"available,omitempty"`
	ExpectedVersion int       `json:"-"`
}

func (r *UpdateRoomRequest) Validate() error {
	if r.RoomType != nil {
		t, err := ParseRoomType(string(*r.RoomType))
		if err != nil {
			return err
		}
		r.RoomType = &t
	}
	if r.Capacity != nil {
		if err := validateCapacity(*r.Capacity); err != nil {
			return err
		}
	}
	if r.DailyRate != nil && *r.DailyRate <= 0 {
		return invalid("daily_rate must be positive")
	}
	return nil
}

func (r *UpdateRoomRequest) applyTo(room *Room) {
	if r.RoomType != nil {
		room.RoomType = *r.RoomType
	}
	if r.Capacity != nil {
		room.Capacity = *r.Capacity
	}
	if r.DailyRate != nil {
		room.DailyRate = *r.DailyRate
	}
	if r.Floor != nil {
		room.Floor = cloneStr(r.Floor)
	}
	if r.Wing != nil {
		room.Wing = cloneStr(r.Wing)
	}
	if r.Description != nil {
		room.Description = cloneStr(r.Description)
	}
	if r.Available != nil {
		room.Available = *r.Available
	}
}

func validateCapacity(c int) error {
	if c < MinCapacity || c > MaxCapacity {
		return invalid("capacity must be between %d and %d", MinCapacity, MaxCapacity)
	}
	return nil
}

// AdmitRequest places a patient into a room.
type AdmitRequest struct {
	RoomID          uuid.UUID
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	AdmissionDate   *time.Time
	AdmissionReason *string
	Notes           *string
}

func (r *AdmitRequest) Validate() error {
	if r.RoomID == uuid.Nil {
		return invalid("room_id is required")
	}
	if r.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if r.DoctorID == uuid.Nil {
		return invalid("doctor_id is required")
	}
	return nil
}

// DischargeRequest closes an active booking.
type DischargeRequest struct {
	DischargeDate  *time.Time
	DischargeNotes *string
}

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }
