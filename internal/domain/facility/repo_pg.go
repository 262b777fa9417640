package facility

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/facility/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const activePatientIndex = "room_bookings_one_active_per_patient"

// PGStore is the Postgres backend. Tables live in the tenant schema selected
// by db.TenantMiddleware.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Rooms() RoomStore       { return &roomRepoPG{s} }
func (s *PGStore) Bookings() BookingStore { return &bookingRepoPG{s} }

// WithinTx implements Transactor.
func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return mapPGError(db.RunInTx(ctx, s.pool, fn))
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// mapPGError translates driver errors into the store error contract.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if IsValidation(err) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == activePatientIndex:
			return ErrPatientAdmitted
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		case pgErr.Code == "23514":
			return invalid("constraint %s violated", pgErr.ConstraintName)
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return fmt.Errorf("%w: %s", ErrStorageUnavailable, pgErr.Message)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return err
}

// -- Rooms --

type roomRepoPG struct{ s *PGStore }

const roomCols = `id, room_number, room_type, capacity, current_occupancy, daily_rate,
	floor, wing, description, available, active, version_id, created_at, updated_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var r Room
	err := row.Scan(
		&r.ID, &r.RoomNumber, &r.RoomType, &r.Capacity, &r.CurrentOccupancy, &r.DailyRate,
		&r.Floor, &r.Wing, &r.Description, &r.Available, &r.Active, &r.VersionID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	return &r, nil
}

func (p *roomRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	return scanRoom(p.s.conn(ctx).QueryRow(ctx, `SELECT `+roomCols+` FROM rooms WHERE id = $1`, id))
}

func (p *roomRepoPG) GetByNumber(ctx context.Context, number string) (*Room, error) {
	return scanRoom(p.s.conn(ctx).QueryRow(ctx, `SELECT `+roomCols+` FROM rooms WHERE room_number = $1`, number))
}

func (p *roomRepoPG) Insert(ctx context.Context, r *Room) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.VersionID = 1
	err := p.s.conn(ctx).QueryRow(ctx, `
		INSERT INTO rooms (
			id, room_number, room_type, capacity, current_occupancy, daily_rate,
			floor, wing, description, available, active, version_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		r.ID, r.RoomNumber, r.RoomType, r.Capacity, r.CurrentOccupancy, r.DailyRate,
		r.Floor, r.Wing, r.Description, r.Available, r.Active, r.VersionID,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	return mapPGError(err)
}

func (p *roomRepoPG) UpdateIfVersionMatches(ctx context.Context, r *Room, expected int) error {
	err := p.s.conn(ctx).QueryRow(ctx, `
		UPDATE rooms SET
			room_type = $3, capacity = $4, current_occupancy = $5, daily_rate = $6,
			floor = $7, wing = $8, description = $9, available = $10, active = $11,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		r.ID, expected,
		r.RoomType, r.Capacity, r.CurrentOccupancy, r.DailyRate,
		r.Floor, r.Wing, r.Description, r.Available, r.Active,
	).Scan(&r.VersionID, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return mapPGError(err)
}

func roomWhere(f RoomFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}
	if f.RoomType != nil {
		add("room_type = $%d", *f.RoomType)
	}
	if f.Floor != nil {
		add("floor = $%d", *f.Floor)
	}
	if f.Wing != nil {
		add("wing = $%d", *f.Wing)
	}
	if f.ActiveOnly || f.Bookable {
		clauses = append(clauses, "active")
	}
	if f.Bookable {
		clauses = append(clauses, "available", "current_occupancy < capacity")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (p *roomRepoPG) List(ctx context.Context, f RoomFilter) ([]*Room, int, error) {
	where, args := roomWhere(f)
	q := p.s.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM rooms`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPGError(err)
	}

	sql := `SELECT ` + roomCols + ` FROM rooms` + where + ` ORDER BY room_number`
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, mapPGError(err)
	}
	defer rows.Close()

	var out []*Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, mapPGError(rows.Err())
}

func (p *roomRepoPG) CountBookable(ctx context.Context) (int, error) {
	var n int
	err := p.s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rooms WHERE active AND available AND current_occupancy < capacity`).Scan(&n)
	return n, mapPGError(err)
}

func (p *roomRepoPG) SumAvailableBeds(ctx context.Context) (int, error) {
	var n int
	err := p.s.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(capacity - current_occupancy), 0) FROM rooms WHERE active`).Scan(&n)
	return n, mapPGError(err)
}

// -- Bookings --

type bookingRepoPG struct{ s *PGStore }

const bookingCols = `id, room_id, patient_id, doctor_id, admission_date, discharge_date, status,
	admission_reason, notes, discharge_notes, version_id, created_at, updated_at`

func scanBooking(row pgx.Row) (*RoomBooking, error) {
	var b RoomBooking
	err := row.Scan(
		&b.ID, &b.RoomID, &b.PatientID, &b.DoctorID, &b.AdmissionDate, &b.DischargeDate, &b.Status,
		&b.AdmissionReason, &b.Notes, &b.DischargeNotes, &b.VersionID, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	return &b, nil
}

func (p *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RoomBooking, error) {
	return scanBooking(p.s.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM room_bookings WHERE id = $1`, id))
}

func (p *bookingRepoPG) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*RoomBooking, error) {
	return scanBooking(p.s.conn(ctx).QueryRow(ctx,
		`SELECT `+bookingCols+` FROM room_bookings WHERE patient_id = $1 AND status = $2`,
		patientID, BookingConfirmed))
}

func (p *bookingRepoPG) Insert(ctx context.Context, b *RoomBooking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.VersionID = 1
	err := p.s.conn(ctx).QueryRow(ctx, `
		INSERT INTO room_bookings (
			id, room_id, patient_id, doctor_id, admission_date, discharge_date, status,
			admission_reason, notes, discharge_notes, version_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		b.ID, b.RoomID, b.PatientID, b.DoctorID, b.AdmissionDate, b.DischargeDate, b.Status,
		b.AdmissionReason, b.Notes, b.DischargeNotes, b.VersionID,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return mapPGError(err)
}

func (p *bookingRepoPG) UpdateIfVersionMatches(ctx context.Context, b *RoomBooking, expected int) error {
	err := p.s.conn(ctx).QueryRow(ctx, `
		UPDATE room_bookings SET
			discharge_date = $3, status = $4, admission_reason = $5, notes = $6, discharge_notes = $7,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		b.ID, expected,
		b.DischargeDate, b.Status, b.AdmissionReason, b.Notes, b.DischargeNotes,
	).Scan(&b.VersionID, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return mapPGError(err)
}

func bookingWhere(f BookingFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.RoomID != nil {
		add("room_id = $%d", *f.RoomID)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.AdmittedFrom != nil {
		add("admission_date >= $%d", DateOnly(*f.AdmittedFrom))
	}
	if f.AdmittedTo != nil {
		add("admission_date <= $%d", DateOnly(*f.AdmittedTo))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (p *bookingRepoPG) List(ctx context.Context, f BookingFilter) ([]*RoomBooking, int, error) {
	where, args := bookingWhere(f)
	q := p.s.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM room_bookings`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPGError(err)
	}

	sql := `SELECT ` + bookingCols + ` FROM room_bookings` + where + ` ORDER BY admission_date DESC, created_at DESC`
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, mapPGError(err)
	}
	defer rows.Close()

	var out []*RoomBooking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, mapPGError(rows.Err())
}

func (p *bookingRepoPG) CountByStatus(ctx context.Context, status BookingStatus) (int, error) {
	var n int
	err := p.s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM room_bookings WHERE status = $1`, status).Scan(&n)
	return n, mapPGError(err)
}
