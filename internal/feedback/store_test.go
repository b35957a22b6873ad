package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-resolver/internal/modal"
)

// flakyBackend fails the first n writes.
type flakyBackend struct {
	*MemoryBackend
	mu       sync.Mutex
	failures int
	puts     int
}

func (f *flakyBackend) Put(ctx context.Context, key string, fb modal.Feedback) error {
	f.mu.Lock()
	f.puts++
	fail := f.puts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("backend unavailable")
	}
	return f.MemoryBackend.Put(ctx, key, fb)
}

func strPtr(s string) *string { return &s }

func TestSaveOverwritesSameKey(t *testing.T) {
	s := NewStore(NewMemoryBackend(0))
	ctx := context.Background()

	a := modal.Feedback{Verdict: modal.VerdictPartial, AdjustedConfidence: 50, CorrectionNote: "A"}
	b := modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 90, CorrectionNote: "B"}
	require.NoError(t, s.Save(ctx, "r1", "s1", a))
	require.NoError(t, s.Save(ctx, "r1", "s1", b))

	got, ok, err := s.Get(ctx, "r1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, got)

	all, err := s.GetAllForResolution(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetMissing(t *testing.T) {
	s := NewStore(NewMemoryBackend(0))
	_, ok, err := s.Get(context.Background(), "r1", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetAllForResolutionMatchesExactPrefix(t *testing.T) {
	s := NewStore(NewMemoryBackend(0))
	ctx := context.Background()
	fb := modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 80, CorrectionNote: "ok"}

	require.NoError(t, s.Save(ctx, "r1", "s1", fb))
	require.NoError(t, s.Save(ctx, "r1", "s2", fb))
	require.NoError(t, s.Save(ctx, "r10", "s1", fb))

	all, err := s.GetAllForResolution(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "s1")
	assert.Contains(t, all, "s2")
}

func TestSaveRejectsInvalidFeedback(t *testing.T) {
	s := NewStore(NewMemoryBackend(0))
	ctx := context.Background()

	err := s.Save(ctx, "r1", "s1", modal.Feedback{Verdict: "maybe", AdjustedConfidence: 50})
	assert.ErrorIs(t, err, ErrInvalidFeedback)

	err = s.Save(ctx, "r1", "s1", modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 101})
	assert.ErrorIs(t, err, ErrInvalidFeedback)
}

func TestSaveRetriesTransientFailures(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(0), failures: 2}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := NewStore(backend, WithRetry(3, time.Millisecond), WithMetrics(m))

	fb := modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 90, CorrectionNote: "n"}
	require.NoError(t, s.Save(context.Background(), "r1", "s1", fb))
	assert.Equal(t, 3, backend.puts)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.saves.WithLabelValues("ok")))
}

func TestSaveReturnsPersistenceError(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(0), failures: 100}
	s := NewStore(backend, WithRetry(2, time.Millisecond))

	fb := modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 90, CorrectionNote: "n"}
	err := s.Save(context.Background(), "r1", "s1", fb)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "r1/s1", perr.Key)
	assert.Equal(t, 3, perr.Attempts)

	_, ok, _ := s.Get(context.Background(), "r1", "s1")
	assert.False(t, ok)
}

func TestSaveHonoursContext(t *testing.T) {
	s := NewStore(NewMemoryBackend(time.Second), WithRetry(0, time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	fb := modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 90, CorrectionNote: "n"}
	err := s.Save(ctx, "r1", "s1", fb)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBackendCopiesValues(t *testing.T) {
	b := NewMemoryBackend(0)
	ctx := context.Background()
	out := "original"
	require.NoError(t, b.Put(ctx, "k", modal.Feedback{Verdict: modal.VerdictCorrect, UpdatedOutput: &out}))
	out = "changed"

	got, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "original", *got.UpdatedOutput)
}

func TestKeysRejectSeparator(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend(0))
	fb := modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 80}

	assert.ErrorIs(t, s.Save(ctx, "a/b", "c", fb), ErrInvalidKey)
	assert.ErrorIs(t, s.Save(ctx, "a", "b/c", fb), ErrInvalidKey)
	assert.ErrorIs(t, s.Save(ctx, "", "c", fb), ErrInvalidKey)
	_, _, err := s.Get(ctx, "a/b", "c")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.GetAllForResolution(ctx, "a/")
	assert.ErrorIs(t, err, ErrInvalidKey)

	require.NoError(t, s.Save(ctx, "a", "c", fb))
	all, err := s.GetAllForResolution(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, keys(all))
}

func TestNilLoggerFallsBackToDefault(t *testing.T) {
	s := NewStore(&flakyBackend{MemoryBackend: NewMemoryBackend(0), failures: 1},
		WithLogger(nil), WithRetry(2, time.Millisecond))
	require.NotPanics(t, func() {
		require.NoError(t, s.Save(context.Background(), "r1", "s1", modal.Feedback{Verdict: modal.VerdictCorrect}))
	})
}

func keys(m map[string]modal.Feedback) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
