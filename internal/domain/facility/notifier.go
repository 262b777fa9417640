package facility

import (
	"context"
	"errors"
)

// Notifier is told about committed admissions and discharges. It is called
// after the transaction commits and its errors never fail the operation.
type Notifier interface {
	NotifyAdmitted(ctx context.Context, b *RoomBooking, r *Room) error
	NotifyDischarged(ctx context.Context, b *RoomBooking, r *Room) error
}

type NopNotifier struct{}

func (NopNotifier) NotifyAdmitted(context.Context, *RoomBooking, *Room) error   { return nil }
func (NopNotifier) NotifyDischarged(context.Context, *RoomBooking, *Room) error { return nil }

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyAdmitted(ctx context.Context, b *RoomBooking, r *Room) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyAdmitted(ctx, b, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) NotifyDischarged(ctx context.Context, b *RoomBooking, r *Room) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyDischarged(ctx, b, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
