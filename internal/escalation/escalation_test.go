package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/models"
)

type fakeSource struct {
	mu       sync.Mutex
	pending  []models.EmergencyRecord
	err      error
	cutoff   time.Time
	reminded []string
}

func (f *fakeSource) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.EmergencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	if f.err != nil {
		return nil, f.err
	}
	return f.pending, nil
}

func (f *fakeSource) Remind(ctx context.Context, rec models.EmergencyRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminded = append(f.reminded, rec.ID)
}

func TestRunOnceRemindsEveryPendingRecord(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{pending: []models.EmergencyRecord{{ID: "e1"}, {ID: "e2"}}}
	s := &Sweeper{Source: src, After: 2 * time.Minute, Log: logging.Nop(), Now: func() time.Time { return now }}

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2"}, src.reminded)
	assert.Equal(t, now.Add(-2*time.Minute), src.cutoff)
}

func TestRunOncePropagatesListFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("store down")}
	s := &Sweeper{Source: src, Log: logging.Nop()}
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Empty(t, src.reminded)
}

func TestRunRejectsBadSchedule(t *testing.T) {
	s := &Sweeper{Source: &fakeSource{}, Log: logging.Nop()}
	err := s.Run(context.Background(), "every so often")
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	s := &Sweeper{Source: &fakeSource{}, Log: logging.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "@every 1h") }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
