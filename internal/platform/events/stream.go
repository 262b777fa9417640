// Package events publishes admission lifecycle events to a Redis stream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/facility/internal/domain/facility"
	"github.com/ehr/facility/internal/platform/db"
)

const DefaultStream = "facility:admissions"

const (
	TypePatientAdmitted   = "PatientAdmitted"
	TypePatientDischarged = "PatientDischarged"
)

// Event is the JSON payload stored under the "data" field of each entry.
type Event struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	TenantID   string    `json:"tenant_id,omitempty"`
	BookingID  uuid.UUID `json:"booking_id"`
	PatientID  uuid.UUID `json:"patient_id"`
	DoctorID   uuid.UUID `json:"doctor_id"`
	RoomID     uuid.UUID `json:"room_id"`
	RoomNumber string    `json:"room_number"`
	// Date is the admission date for PatientAdmitted and the discharge date
	// for PatientDischarged, formatted YYYY-MM-DD.
	Date string `json:"date"`
}

// Publisher appends events to a stream. It implements facility.Notifier.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	log    zerolog.Logger
	now    func() time.Time
}

type PublisherOption func(*Publisher)

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(n int64) PublisherOption { return func(p *Publisher) { p.maxLen = n } }

func WithLogger(l zerolog.Logger) PublisherOption { return func(p *Publisher) { p.log = l } }

func NewPublisher(client *redis.Client, stream string, opts ...PublisherOption) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	p := &Publisher{client: client, stream: stream, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (p *Publisher) NotifyAdmitted(ctx context.Context, b *facility.RoomBooking, r *facility.Room) error {
	_, err := p.Publish(ctx, p.event(ctx, TypePatientAdmitted, b, r, b.AdmissionDate))
	return err
}

func (p *Publisher) NotifyDischarged(ctx context.Context, b *facility.RoomBooking, r *facility.Room) error {
	date := p.now()
	if b.DischargeDate != nil {
		date = *b.DischargeDate
	}
	_, err := p.Publish(ctx, p.event(ctx, TypePatientDischarged, b, r, date))
	return err
}

func (p *Publisher) event(ctx context.Context, typ string, b *facility.RoomBooking, r *facility.Room, date time.Time) Event {
	return Event{
		EventID:    uuid.NewString(),
		EventType:  typ,
		Timestamp:  p.now().UTC(),
		TenantID:   db.TenantFromContext(ctx),
		BookingID:  b.ID,
		PatientID:  b.PatientID,
		DoctorID:   b.DoctorID,
		RoomID:     r.ID,
		RoomNumber: r.RoomNumber,
		Date:       date.Format(time.DateOnly),
	}
}

// Publish appends ev and returns the stream entry id. The entry carries
// "type", "data" (JSON) and "timestamp" (unix seconds) fields.
func (p *Publisher) Publish(ctx context.Context, ev Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal %s event: %w", ev.EventType, err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":      ev.EventType,
			"data":      string(data),
			"timestamp": strconv.FormatInt(ev.Timestamp.Unix(), 10),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish %s to %s: %w", ev.EventType, p.stream, err)
	}
	p.log.Debug().Str("stream", p.stream).Str("entry_id", id).Str("event_type", ev.EventType).
		Str("booking_id", ev.BookingID.String()).Msg("event published")
	return id, nil
}

// ErrInvalidCursor is returned by Read for an entry id that is not of the
// form <ms> or <ms>-<seq>.
var ErrInvalidCursor = errors.New("invalid stream cursor")

var streamIDPattern = regexp.MustCompile(`^[0-9]+(-[0-9]+)?$`)

// Batch is one page of the stream. IDs[i] belongs to Events[i]. LastID is the
// id of the last entry scanned, including entries that could not be decoded,
// so a reader resuming from it never sees them again.
type Batch struct {
	Events []Event
	IDs    []string
	LastID string
}

// Read returns up to count events after the entry id `after`. An empty
// after reads from the start of the stream.
func (p *Publisher) Read(ctx context.Context, after string, count int64) (*Batch, error) {
	start := "-"
	if after != "" {
		if !streamIDPattern.MatchString(after) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, after)
		}
		start = "(" + after
	}
	var (
		res []redis.XMessage
		err error
	)
	if count > 0 {
		res, err = p.client.XRangeN(ctx, p.stream, start, "+", count).Result()
	} else {
		res, err = p.client.XRange(ctx, p.stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.stream, err)
	}

	b := &Batch{
		Events: make([]Event, 0, len(res)),
		IDs:    make([]string, 0, len(res)),
		LastID: after,
	}
	for _, msg := range res {
		b.LastID = msg.ID
		raw, ok := msg.Values["data"].(string)
		if !ok {
			p.log.Warn().Str("stream", p.stream).Str("entry_id", msg.ID).Msg("skipping entry without data")
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			p.log.Warn().Err(err).Str("stream", p.stream).Str("entry_id", msg.ID).Msg("skipping undecodable entry")
			continue
		}
		b.Events = append(b.Events, ev)
		b.IDs = append(b.IDs, msg.ID)
	}
	return b, nil
}
