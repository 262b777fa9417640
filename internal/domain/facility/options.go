package facility

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// Metrics receives operation outcomes. telemetry.FacilityMetrics is the
// Prometheus implementation.
type Metrics interface {
	Outcome(op, result string)
	ConflictRetry(op string)
}

type nopMetrics struct{}

func (nopMetrics) Outcome(string, string) {}
func (nopMetrics) ConflictRetry(string)   {}

// RetryPolicy bounds how often a unit of work is re-run after ErrConflict.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond}
}

// errStale marks a conflict with a version supplied by the caller. Re-running
// cannot fix it, so it is returned without retry.
var errStale = &staleError{}

type staleError struct{}

func (*staleError) Error() string        { return "resource modified since it was read" }
func (*staleError) Is(target error) bool { return target == ErrConflict }

type settings struct {
	log      zerolog.Logger
	metrics  Metrics
	retry    RetryPolicy
	notifier Notifier
	now      func() time.Time
}

func defaultSettings() settings {
	return settings{
		log:      zerolog.Nop(),
		metrics:  nopMetrics{},
		retry:    DefaultRetryPolicy(),
		notifier: NopNotifier{},
		now:      time.Now,
	}
}

// Option configures a RoomRegistry or AdmissionCoordinator.
type Option func(*settings)

func WithLogger(l zerolog.Logger) Option { return func(s *settings) { s.log = l } }

func WithMetrics(m Metrics) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *settings) {
		if p.MaxAttempts > 0 {
			s.retry = p
		}
	}
}

// WithNotifier sets the collaborator told about admissions and discharges.
func WithNotifier(n Notifier) Option {
	return func(s *settings) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides the clock used for default admission and discharge dates.
func WithClock(now func() time.Time) Option { return func(s *settings) { s.now = now } }

func newSettings(opts []Option) settings {
	s := defaultSettings()
	for _, o := range opts {
		o(&s)
	}
	return s
}

// withRetry runs attempt until it succeeds, fails with anything other than a
// retryable ErrConflict, or the policy is exhausted.
func (s *settings) withRetry(ctx context.Context, op string, attempt func() error) error {
	var err error
	for i := 1; i <= s.retry.MaxAttempts; i++ {
		err = attempt()
		if err == nil || !errors.Is(err, ErrConflict) || errors.Is(err, errStale) {
			break
		}
		if i == s.retry.MaxAttempts {
			s.log.Warn().Str("op", op).Int("attempts", i).Msg("conflict retries exhausted")
			break
		}
		s.metrics.ConflictRetry(op)
		s.log.Debug().Str("op", op).Int("attempt", i).Msg("version conflict, retrying")

		if s.retry.BaseDelay > 0 {
			d := s.retry.BaseDelay*time.Duration(i) + rand.N(s.retry.BaseDelay)
			select {
			case <-ctx.Done():
				return errors.Join(ErrStorageUnavailable, ctx.Err())
			case <-time.After(d):
			}
		}
	}
	s.metrics.Outcome(op, outcomeOf(err))
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAlreadyExists):
		return "duplicate"
	default:
		return "error"
	}
}
