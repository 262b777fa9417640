package facility

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/facility/internal/platform/auth"
	"github.com/ehr/facility/internal/platform/fhir"
	"github.com/ehr/facility/pkg/pagination"
)

var (
	readRoles      = []string{"admin", "facility_manager", "physician", "nurse", "registrar"}
	inventoryRoles = []string{"admin", "facility_manager"}
	admitRoles     = []string{"admin", "physician", "nurse", "registrar"}
)

type Handler struct {
	registry    *RoomRegistry
	coordinator *AdmissionCoordinator
}

func NewHandler(registry *RoomRegistry, coordinator *AdmissionCoordinator) *Handler {
	return &Handler{registry: registry, coordinator: coordinator}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	read := api.Group("", auth.RequireRole(readRoles...))
	read.GET("/rooms", h.ListRooms)
	read.GET("/rooms/available", h.ListAvailableRooms)
	read.GET("/rooms/stats/available-rooms", h.CountAvailableRooms)
	read.GET("/rooms/stats/available-beds", h.AvailableBedCount)
	read.GET("/rooms/number/:number", h.GetRoomByNumber)
	read.GET("/rooms/type/:type", h.ListRoomsByType)
	read.GET("/rooms/floor/:floor", h.ListRoomsByFloor)
	read.GET("/rooms/wing/:wing", h.ListRoomsByWing)
	read.GET("/rooms/:id", h.GetRoom)

	read.GET("/bookings", h.ListBookingsByAdmissionDate)
	read.GET("/bookings/stats/active", h.CountActiveBookings)
	read.GET("/bookings/status/:status", h.ListBookingsByStatus)
	read.GET("/bookings/patient/:patientId", h.ListBookingsByPatient)
	read.GET("/bookings/patient/:patientId/active", h.GetActiveBookingByPatient)
	read.GET("/bookings/room/:roomId", h.ListBookingsByRoom)
	read.GET("/bookings/room/:roomId/active", h.ListActiveBookingsByRoom)
	read.GET("/bookings/:id", h.GetBooking)

	inventory := api.Group("", auth.RequireRole(inventoryRoles...))
	inventory.POST("/rooms", h.CreateRoom)
	inventory.PUT("/rooms/:id", h.UpdateRoom)
	inventory.DELETE("/rooms/:id", h.DeleteRoom)

	admit := api.Group("", auth.RequireRole(admitRoles...))
	admit.POST("/bookings/admit", h.Admit)
	admit.POST("/bookings/:id/discharge", h.Discharge)
	admit.POST("/bookings/:id/cancel", h.Cancel)

	if fhirGroup != nil {
		fhirRead := fhirGroup.Group("", auth.RequireRole(readRoles...))
		fhirRead.GET("/Location/:id", h.GetLocationFHIR)
		fhirRead.GET("/Encounter/:id", h.GetEncounterFHIR)
	}
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Reason)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStorageUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty input yields nil.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid date: "+s)
	}
	return &t, nil
}

func writeRoom(c echo.Context, status int, dto *RoomDTO) error {
	fhir.SetVersionHeaders(c, dto.VersionID, dto.UpdatedAt.UTC().Format(http.TimeFormat))
	return c.JSON(status, dto)
}

// -- Rooms --

func (h *Handler) CreateRoom(c echo.Context) error {
	var req CreateRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	dto, err := h.registry.CreateRoom(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return writeRoom(c, http.StatusCreated, dto)
}

func (h *Handler) GetRoom(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	dto, err := h.registry.GetRoom(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if fhir.CheckIfNoneMatch(c, dto.VersionID) {
		return c.NoContent(http.StatusNotModified)
	}
	return writeRoom(c, http.StatusOK, dto)
}

func (h *Handler) GetRoomByNumber(c echo.Context) error {
	dto, err := h.registry.GetRoomByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return writeRoom(c, http.StatusOK, dto)
}

func (h *Handler) ListRooms(c echo.Context) error {
	p := pagination.FromContext(c)
	rooms, total, err := h.registry.ListRooms(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.Write(c, http.StatusOK, rooms, total, p)
}

func (h *Handler) ListAvailableRooms(c echo.Context) error {
	var roomType *RoomType
	if q := c.QueryParam("type"); q != "" {
		t, err := ParseRoomType(q)
		if err != nil {
			return httpError(err)
		}
		roomType = &t
	}
	rooms, err := h.registry.ListAvailableRooms(c.Request().Context(), roomType)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rooms)
}

func (h *Handler) ListRoomsByType(c echo.Context) error {
	t, err := ParseRoomType(c.Param("type"))
	if err != nil {
		return httpError(err)
	}
	rooms, err := h.registry.ListRoomsByType(c.Request().Context(), t)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rooms)
}

func (h *Handler) ListRoomsByFloor(c echo.Context) error {
	rooms, err := h.registry.ListRoomsByFloor(c.Request().Context(), c.Param("floor"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rooms)
}

func (h *Handler) ListRoomsByWing(c echo.Context) error {
	rooms, err := h.registry.ListRoomsByWing(c.Request().Context(), c.Param("wing"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rooms)
}

// UpdateRoom honours If-Match: a stale version is rejected with 409.
func (h *Handler) UpdateRoom(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req UpdateRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ExpectedVersion, err = fhir.IfMatchVersion(c); err != nil {
		return err
	}

	dto, err := h.registry.UpdateRoom(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return writeRoom(c, http.StatusOK, dto)
}

func (h *Handler) DeleteRoom(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.registry.SoftDeleteRoom(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CountAvailableRooms(c echo.Context) error {
	n, err := h.registry.CountAvailableRooms(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"available_rooms": n})
}

func (h *Handler) AvailableBedCount(c echo.Context) error {
	n, err := h.registry.AvailableBedCount(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"available_beds": n})
}

// -- Bookings --

type admitBody struct {
	RoomID          uuid.UUID `json:"room_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	AdmissionDate   string    `json:"admission_date"`
	AdmissionReason *string   `json:"admission_reason"`
	Notes           *string   `json:"notes"`
}

func (h *Handler) Admit(c echo.Context) error {
	var body admitBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	date, err := parseDate(body.AdmissionDate)
	if err != nil {
		return err
	}
	dto, err := h.coordinator.Admit(c.Request().Context(), AdmitRequest{
		RoomID:          body.RoomID,
		PatientID:       body.PatientID,
		DoctorID:        body.DoctorID,
		AdmissionDate:   date,
		AdmissionReason: body.AdmissionReason,
		Notes:           body.Notes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, dto)
}

type dischargeBody struct {
	DischargeDate  string  `json:"discharge_date"`
	DischargeNotes *string `json:"discharge_notes"`
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body dischargeBody
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	date, err := parseDate(body.DischargeDate)
	if err != nil {
		return err
	}
	dto, err := h.coordinator.Discharge(c.Request().Context(), id, DischargeRequest{
		DischargeDate:  date,
		DischargeNotes: body.DischargeNotes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dto)
}

// Cancel takes the reason from ?reason= or a {"reason": "..."} body.
func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		Reason *string `json:"reason"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if q := c.QueryParam("reason"); q != "" {
		body.Reason = &q
	}
	dto, err := h.coordinator.Cancel(c.Request().Context(), id, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dto)
}

func (h *Handler) GetBooking(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	dto, err := h.coordinator.GetBooking(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dto)
}

func (h *Handler) ListBookingsByPatient(c echo.Context) error {
	id, err := parseID(c, "patientId")
	if err != nil {
		return err
	}
	out, err := h.coordinator.ListBookingsByPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetActiveBookingByPatient(c echo.Context) error {
	id, err := parseID(c, "patientId")
	if err != nil {
		return err
	}
	dto, err := h.coordinator.GetActiveBookingByPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dto)
}

func (h *Handler) ListBookingsByRoom(c echo.Context) error {
	id, err := parseID(c, "roomId")
	if err != nil {
		return err
	}
	out, err := h.coordinator.ListBookingsByRoom(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListActiveBookingsByRoom(c echo.Context) error {
	id, err := parseID(c, "roomId")
	if err != nil {
		return err
	}
	out, err := h.coordinator.ListActiveBookingsByRoom(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListBookingsByStatus(c echo.Context) error {
	status, err := ParseBookingStatus(c.Param("status"))
	if err != nil {
		return httpError(err)
	}
	p := pagination.FromContext(c)
	out, total, err := h.coordinator.ListBookingsByStatus(c.Request().Context(), status, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.Write(c, http.StatusOK, out, total, p)
}

// ListBookingsByAdmissionDate requires ?from= and ?to=.
func (h *Handler) ListBookingsByAdmissionDate(c echo.Context) error {
	from, err := parseDate(c.QueryParam("from"))
	if err != nil {
		return err
	}
	to, err := parseDate(c.QueryParam("to"))
	if err != nil {
		return err
	}
	if from == nil || to == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from and to are required")
	}
	out, err := h.coordinator.ListBookingsByAdmissionDateRange(c.Request().Context(), *from, *to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CountActiveBookings(c echo.Context) error {
	n, err := h.coordinator.CountActiveBookings(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"active_bookings": n})
}

// -- FHIR --

func (h *Handler) GetLocationFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid id"))
	}
	dto, err := h.registry.GetRoom(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Location", c.Param("id")))
		}
		return httpError(err)
	}
	fhir.SetVersionHeaders(c, dto.VersionID, dto.UpdatedAt.UTC().Format(http.TimeFormat))
	return c.JSON(http.StatusOK, dto.Room.ToFHIR())
}

func (h *Handler) GetEncounterFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid id"))
	}
	dto, err := h.coordinator.GetBooking(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Encounter", c.Param("id")))
		}
		return httpError(err)
	}
	fhir.SetVersionHeaders(c, dto.VersionID, dto.UpdatedAt.UTC().Format(http.TimeFormat))
	return c.JSON(http.StatusOK, dto.RoomBooking.ToFHIR())
}
