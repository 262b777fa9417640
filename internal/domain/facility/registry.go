package facility

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RoomRegistry owns room inventory: creation, updates, retirement and
// capacity queries.
type RoomRegistry struct {
	rooms RoomStore
	tx    Transactor
	settings
}

func NewRoomRegistry(rooms RoomStore, tx Transactor, opts ...Option) *RoomRegistry {
	return &RoomRegistry{rooms: rooms, tx: tx, settings: newSettings(opts)}
}

// CreateRoom registers a new, empty, in-service room.
func (s *RoomRegistry) CreateRoom(ctx context.Context, req CreateRoomRequest) (*RoomDTO, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.rooms.GetByNumber(ctx, req.RoomNumber); err == nil {
		return nil, fmt.Errorf("%w: room number already exists: %s", ErrAlreadyExists, req.RoomNumber)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	room := &Room{
		RoomNumber:  req.RoomNumber,
		RoomType:    req.RoomType,
		Capacity:    req.Capacity,
		DailyRate:   req.DailyRate,
		Floor:       req.Floor,
		Wing:        req.Wing,
		Description: req.Description,
		Available:   true,
		Active:      true,
	}
	if err := s.rooms.Insert(ctx, room); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: room number already exists: %s", ErrAlreadyExists, req.RoomNumber)
		}
		return nil, err
	}

	s.log.Info().Str("room_id", room.ID.String()).Str("room_number", room.RoomNumber).
		Str("room_type", string(room.RoomType)).Int("capacity", room.Capacity).Msg("room created")
	s.metrics.Outcome("create_room", "ok")
	return NewRoomDTO(room), nil
}

func (s *RoomRegistry) GetRoom(ctx context.Context, id uuid.UUID) (*RoomDTO, error) {
	r, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewRoomDTO(r), nil
}

func (s *RoomRegistry) GetRoomByNumber(ctx context.Context, number string) (*RoomDTO, error) {
	r, err := s.rooms.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return NewRoomDTO(r), nil
}

// UpdateRoom applies a partial update. Capacity may not drop below the
// current occupancy. A non-zero req.ExpectedVersion that no longer matches
// fails with ErrConflict immediately; internal races are retried.
func (s *RoomRegistry) UpdateRoom(ctx context.Context, id uuid.UUID, req UpdateRoomRequest) (*RoomDTO, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var updated *Room
	err := s.withRetry(ctx, "update_room", func() error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			room, err := s.rooms.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if req.ExpectedVersion != 0 && room.VersionID != req.ExpectedVersion {
				return errStale
			}
			if req.Capacity != nil && *req.Capacity < room.CurrentOccupancy {
				return ErrInvalidCapacity
			}

			expected := room.VersionID
			req.applyTo(room)
			if err := s.rooms.UpdateIfVersionMatches(ctx, room, expected); err != nil {
				return err
			}
			updated = room
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("room_id", id.String()).Int("version", updated.VersionID).Msg("room updated")
	return NewRoomDTO(updated), nil
}

// SoftDeleteRoom retires a room. The occupancy guard and the flag change
// commit together. Retiring an already retired room is a no-op.
func (s *RoomRegistry) SoftDeleteRoom(ctx context.Context, id uuid.UUID) error {
	err := s.withRetry(ctx, "delete_room", func() error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			room, err := s.rooms.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if room.CurrentOccupancy > 0 {
				return ErrRoomOccupied
			}
			if !room.Active {
				return nil
			}
			expected := room.VersionID
			room.Active = false
			room.Available = false
			return s.rooms.UpdateIfVersionMatches(ctx, room, expected)
		})
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("room_id", id.String()).Msg("room retired")
	return nil
}

// AvailableBedCount sums free beds over active rooms. It is a reporting
// figure and is not used for admission decisions.
func (s *RoomRegistry) AvailableBedCount(ctx context.Context) (int, error) {
	return s.rooms.SumAvailableBeds(ctx)
}

// CountAvailableRooms counts in-service rooms with at least one free bed.
func (s *RoomRegistry) CountAvailableRooms(ctx context.Context) (int, error) {
	return s.rooms.CountBookable(ctx)
}

func (s *RoomRegistry) list(ctx context.Context, f RoomFilter) ([]*RoomDTO, int, error) {
	rooms, total, err := s.rooms.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, NewRoomDTO(r))
	}
	return out, total, nil
}

// ListRooms pages through active rooms ordered by room number.
func (s *RoomRegistry) ListRooms(ctx context.Context, limit, offset int) ([]*RoomDTO, int, error) {
	return s.list(ctx, RoomFilter{ActiveOnly: true, Limit: limit, Offset: offset})
}

// ListAvailableRooms returns in-service rooms with a free bed, optionally of
// one type.
func (s *RoomRegistry) ListAvailableRooms(ctx context.Context, roomType *RoomType) ([]*RoomDTO, error) {
	out, _, err := s.list(ctx, RoomFilter{Bookable: true, RoomType: roomType})
	return out, err
}

func (s *RoomRegistry) ListRoomsByType(ctx context.Context, t RoomType) ([]*RoomDTO, error) {
	out, _, err := s.list(ctx, RoomFilter{ActiveOnly: true, RoomType: &t})
	return out, err
}

func (s *RoomRegistry) ListRoomsByFloor(ctx context.Context, floor string) ([]*RoomDTO, error) {
	out, _, err := s.list(ctx, RoomFilter{ActiveOnly: true, Floor: &floor})
	return out, err
}

func (s *RoomRegistry) ListRoomsByWing(ctx context.Context, wing string) ([]*RoomDTO, error) {
	out, _, err := s.list(ctx, RoomFilter{ActiveOnly: true, Wing: &wing})
	return out, err
}
