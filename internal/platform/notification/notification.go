// Package notification keeps a per-ward inbox of notices raised by patient
// admissions and discharges, with template rendering, optional outbound
// delivery, retry and Echo HTTP handlers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/facility/internal/domain/facility"
	"github.com/ehr/facility/internal/platform/db"
)

// ErrNotFound is returned for unknown notice ids.
var ErrNotFound = errors.New("notice not found")

// Notice status values.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusRead      = "read"
)

// Built-in template ids.
const (
	TemplatePatientAdmitted   = "patient-admitted"
	TemplatePatientDischarged = "patient-discharged"
)

// Notice is one message in a ward inbox.
type Notice struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ReadAt     *time.Time        `json:"read_at,omitempty"`
}

// Sender pushes a notice to an outbound channel such as a pager gateway.
type Sender interface {
	Send(ctx context.Context, n *Notice) error
}

// LogSender writes notices to the log. It is the default outbound channel.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, n *Notice) error {
	s.Log.Info().Str("notice_id", n.ID).Str("recipient", n.Recipient).Str("subject", n.Subject).Msg("ward notice")
	return nil
}

// -- Templates --

// Template is a notice layout with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine with the admission and discharge
// templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.RegisterTemplate(Template{
		ID:      TemplatePatientAdmitted,
		Name:    "Patient Admitted",
		Subject: "Admission to room {{room_number}}",
		Body:    "Patient {{patient_id}} was admitted to room {{room_number}} on {{date}} under doctor {{doctor_id}}. Beds free: {{available_beds}}.",
	})
	e.RegisterTemplate(Template{
		ID:      TemplatePatientDischarged,
		Name:    "Patient Discharged",
		Subject: "Discharge from room {{room_number}}",
		Body:    "Patient {{patient_id}} was discharged from room {{room_number}} on {{date}}. Beds free: {{available_beds}}.",
	})
	return e
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render substitutes data into the template. Placeholders without a value
// are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// -- Inbox --

// Inbox stores notices in memory, newest last, keyed by id.
type Inbox struct {
	templates *TemplateEngine
	sender    Sender
	now       func() time.Time

	mu      sync.RWMutex
	notices map[string]*Notice
}

func NewInbox(tpl *TemplateEngine, sender Sender) *Inbox {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Inbox{
		templates: tpl,
		sender:    sender,
		now:       time.Now,
		notices:   make(map[string]*Notice),
	}
}

// WardRecipient is the inbox key for a room: its wing, or "general".
func WardRecipient(r *facility.Room) string {
	if r.Wing != nil && *r.Wing != "" {
		return "ward:" + strings.ToLower(*r.Wing)
	}
	return "ward:general"
}

func (i *Inbox) NotifyAdmitted(ctx context.Context, b *facility.RoomBooking, r *facility.Room) error {
	_, err := i.Post(ctx, TemplatePatientAdmitted, noticeData(b, r, b.AdmissionDate), WardRecipient(r))
	return err
}

func (i *Inbox) NotifyDischarged(ctx context.Context, b *facility.RoomBooking, r *facility.Room) error {
	date := i.now()
	if b.DischargeDate != nil {
		date = *b.DischargeDate
	}
	_, err := i.Post(ctx, TemplatePatientDischarged, noticeData(b, r, date), WardRecipient(r))
	return err
}

func noticeData(b *facility.RoomBooking, r *facility.Room, date time.Time) map[string]string {
	return map[string]string{
		"booking_id":     b.ID.String(),
		"patient_id":     b.PatientID.String(),
		"doctor_id":      b.DoctorID.String(),
		"room_id":        r.ID.String(),
		"room_number":    r.RoomNumber,
		"date":           date.Format(time.DateOnly),
		"available_beds": strconv.Itoa(r.AvailableBeds()),
	}
}

// Post renders a template into a new notice for recipient. The notice is
// stored even when outbound delivery fails; the delivery error is returned.
func (i *Inbox) Post(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notice, error) {
	subject, body, err := i.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	n := &Notice{
		ID:         uuid.NewString(),
		TenantID:   db.TenantFromContext(ctx),
		Recipient:  recipient,
		TemplateID: templateID,
		Subject:    subject,
		Body:       body,
		Data:       data,
		CreatedAt:  i.now().UTC(),
	}
	sendErr := i.deliver(ctx, n)

	i.mu.Lock()
	i.notices[n.ID] = n
	i.mu.Unlock()
	return n, sendErr
}

func (i *Inbox) deliver(ctx context.Context, n *Notice) error {
	if i.sender == nil {
		n.Status = StatusDelivered
		return nil
	}
	if err := i.sender.Send(ctx, n); err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return err
	}
	n.Status = StatusDelivered
	n.Error = ""
	return nil
}

// Get returns a copy of the notice, scoped to the caller's tenant.
func (i *Inbox) Get(ctx context.Context, id string) (*Notice, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	n, ok := i.notices[id]
	if !ok || n.TenantID != db.TenantFromContext(ctx) {
		return nil, ErrNotFound
	}
	c := *n
	return &c, nil
}

// List returns up to limit notices for recipient, newest first. An empty
// recipient lists the whole tenant.
func (i *Inbox) List(ctx context.Context, recipient string, unreadOnly bool, limit int) []*Notice {
	tenant := db.TenantFromContext(ctx)
	i.mu.RLock()
	var out []*Notice
	for _, n := range i.notices {
		if n.TenantID != tenant || (recipient != "" && n.Recipient != recipient) {
			continue
		}
		if unreadOnly && n.Status == StatusRead {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	i.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (i *Inbox) MarkRead(ctx context.Context, id string) (*Notice, error) {
	tenant := db.TenantFromContext(ctx)
	i.mu.Lock()
	defer i.mu.Unlock()
	n, ok := i.notices[id]
	if !ok || n.TenantID != tenant {
		return nil, ErrNotFound
	}
	if n.ReadAt == nil {
		at := i.now().UTC()
		n.ReadAt = &at
		n.Status = StatusRead
	}
	c := *n
	return &c, nil
}

// Retry re-sends a notice whose delivery failed.
func (i *Inbox) Retry(ctx context.Context, id string) (*Notice, error) {
	tenant := db.TenantFromContext(ctx)
	i.mu.Lock()
	defer i.mu.Unlock()
	n, ok := i.notices[id]
	if !ok || n.TenantID != tenant {
		return nil, ErrNotFound
	}
	if n.Status != StatusFailed {
		return nil, fmt.Errorf("notice %s is %s, only failed notices can be retried", id, n.Status)
	}
	err := i.deliver(ctx, n)
	c := *n
	return &c, err
}

// Stats counts the tenant's notices by status.
func (i *Inbox) Stats(ctx context.Context) map[string]int {
	tenant := db.TenantFromContext(ctx)
	i.mu.RLock()
	defer i.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range i.notices {
		if n.TenantID == tenant {
			stats[n.Status]++
		}
	}
	return stats
}

// -- HTTP --

type Handler struct {
	inbox *Inbox
}

func NewHandler(inbox *Inbox) *Handler {
	return &Handler{inbox: inbox}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.POST("/notifications/:id/read", h.HandleMarkRead)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

// HandleList handles GET /notifications?recipient=&unread=true&limit=.
func (h *Handler) HandleList(c echo.Context) error {
	limit := 100
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}
	unread := c.QueryParam("unread") == "true"
	return c.JSON(http.StatusOK, h.inbox.List(c.Request().Context(), c.QueryParam("recipient"), unread, limit))
}

func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.inbox.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleMarkRead(c echo.Context) error {
	n, err := h.inbox.MarkRead(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	n, err := h.inbox.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case n == nil:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, "delivery failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.inbox.Stats(c.Request().Context()))
}
