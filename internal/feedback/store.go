// Package feedback stores human corrections keyed by (resolution, step).
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"insight-resolver/internal/modal"
)

// Backend is the persistence behind a Store. Implementations must replace the
// whole value on Put; partial writes are not allowed.
type Backend interface {
	Put(ctx context.Context, key string, fb modal.Feedback) error
	Get(ctx context.Context, key string) (modal.Feedback, bool, error)
	ListByPrefix(ctx context.Context, prefix string) (map[string]modal.Feedback, error)
}

// PersistenceError is returned when a feedback write could not be recorded.
// Callers must not apply the correction in memory when they receive one.
type PersistenceError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist feedback %s after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var (
	ErrInvalidFeedback = errors.New("invalid feedback")
	// ErrInvalidKey is returned for empty IDs and IDs containing the key
	// separator, which would make prefix listing ambiguous.
	ErrInvalidKey = errors.New("invalid feedback key")
)

const keySep = "/"

// Key builds the storage key for one step of one resolution.
func Key(resolutionID, stepID string) string {
	return resolutionID + keySep + stepID
}

func checkID(kind, id string) error {
	if id == "" || strings.Contains(id, keySep) {
		return fmt.Errorf("%w: %s id %q", ErrInvalidKey, kind, id)
	}
	return nil
}

func checkKey(resolutionID, stepID string) error {
	if err := checkID("resolution", resolutionID); err != nil {
		return err
	}
	return checkID("step", stepID)
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRetry sets how many times a failed write is retried and the first
// backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(s *Store) {
		s.maxRetries = maxRetries
		s.initialInterval = initial
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is a last-write-wins key/value store of Feedback.
type Store struct {
	backend         Backend
	logger          *slog.Logger
	metrics         *Metrics
	maxRetries      uint64
	initialInterval time.Duration
}

func NewStore(b Backend, opts ...Option) *Store {
	s := &Store{
		backend:         b,
		logger:          slog.Default(),
		maxRetries:      3,
		initialInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Save stores fb for the key, replacing any earlier value. It returns only
// once the backend acknowledged the write.
func (s *Store) Save(ctx context.Context, resolutionID, stepID string, fb modal.Feedback) error {
	if err := checkKey(resolutionID, stepID); err != nil {
		return err
	}
	if err := validate(fb); err != nil {
		return err
	}
	key := Key(resolutionID, stepID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := s.backend.Put(ctx, key, fb)
		if err != nil {
			s.logger.Warn("feedback write failed",
				slog.String("key", key),
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()))
		}
		return err
	}, policy)
	if err != nil {
		s.metrics.observeSave("error")
		return &PersistenceError{Key: key, Attempts: attempts, Err: err}
	}

	s.metrics.observeSave("ok")
	s.logger.Debug("feedback saved",
		slog.String("resolution_id", resolutionID),
		slog.String("step_id", stepID),
		slog.String("verdict", string(fb.Verdict)))
	return nil
}

func (s *Store) Get(ctx context.Context, resolutionID, stepID string) (modal.Feedback, bool, error) {
	if err := checkKey(resolutionID, stepID); err != nil {
		return modal.Feedback{}, false, err
	}
	fb, ok, err := s.backend.Get(ctx, Key(resolutionID, stepID))
	if err != nil {
		return modal.Feedback{}, false, fmt.Errorf("get feedback: %w", err)
	}
	return fb, ok, nil
}

// GetAllForResolution returns feedback keyed by step ID for one resolution.
func (s *Store) GetAllForResolution(ctx context.Context, resolutionID string) (map[string]modal.Feedback, error) {
	if err := checkID("resolution", resolutionID); err != nil {
		return nil, err
	}
	prefix := resolutionID + keySep
	raw, err := s.backend.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	out := make(map[string]modal.Feedback, len(raw))
	for k, fb := range raw {
		out[strings.TrimPrefix(k, prefix)] = fb
	}
	return out, nil
}

func validate(fb modal.Feedback) error {
	if !fb.Verdict.Valid() {
		return fmt.Errorf("%w: unknown verdict %q", ErrInvalidFeedback, fb.Verdict)
	}
	if fb.AdjustedConfidence < 0 || fb.AdjustedConfidence > 100 {
		return fmt.Errorf("%w: adjusted confidence %d out of range", ErrInvalidFeedback, fb.AdjustedConfidence)
	}
	return nil
}

// Metrics counts feedback writes by outcome.
type Metrics struct {
	saves *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolver",
			Name:      "feedback_saves_total",
			Help:      "Feedback writes by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.saves)
	}
	return m
}

func (m *Metrics) observeSave(result string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
}
