package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/ingest"
	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/models"
)

// fakeIndex fails the first failN calls with err.
type fakeIndex struct {
	failN   int
	err     error
	calls   int
	last    models.LocationSample
	removed []string
}

func (f *fakeIndex) Upsert(ctx context.Context, kind geo.Kind, s models.LocationSample) error {
	f.calls++
	if f.calls <= f.failN {
		return f.err
	}
	f.last = s
	return nil
}

func (f *fakeIndex) Remove(ctx context.Context, kind geo.Kind, id string) error {
	f.calls++
	if f.calls <= f.failN {
		return f.err
	}
	f.removed = append(f.removed, id)
	return nil
}

func msg(id string) ingest.LocationMessage {
	return ingest.LocationMessage{Kind: geo.KindResponder, LocationSample: models.LocationSample{UserID: id, Loc: models.Coord{Lat: 1, Lng: 2}}}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{failN: 2, err: errors.New("redis down")}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, msg("r1"), 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, "r1", f.last.UserID)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{failN: 5, err: errors.New("redis down")}
	assert.Error(t, applyWithRetry(context.Background(), f, msg("r1"), 3, time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestApplyWithRetry_TombstoneRemoves(t *testing.T) {
	f := &fakeIndex{failN: 1, err: errors.New("redis down")}
	m := msg("r1")
	m.Removed = true
	require.NoError(t, applyWithRetry(context.Background(), f, m, 3, time.Millisecond))
	assert.Equal(t, []string{"r1"}, f.removed)
	assert.Empty(t, f.last.UserID)
}

func TestApplyWithRetry_InvalidIsNotRetried(t *testing.T) {
	f := &fakeIndex{failN: 5, err: apperr.E(apperr.KindInvalidArgument, "geo", "bad coordinate")}
	assert.Error(t, applyWithRetry(context.Background(), f, msg("r1"), 3, time.Millisecond))
	assert.Equal(t, 1, f.calls)
}

type scriptedReader struct {
	mu   sync.Mutex
	msgs []kafka.Message
	i    int
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if s.i < len(s.msgs) {
		m := s.msgs[s.i]
		s.i++
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func TestConsumeAppliesValidMessages(t *testing.T) {
	good, _ := json.Marshal(msg("r9"))
	r := &scriptedReader{msgs: []kafka.Message{{Value: []byte("junk")}, {Value: good}}}
	idx := geo.NewIndex()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(ctx, r, idx, logging.Nop())
	}()
	require.Eventually(t, func() bool {
		return len(nearby(t, idx)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestConsumeTombstoneTakesResponderOffline(t *testing.T) {
	fix, _ := json.Marshal(msg("r9"))
	tomb, _ := json.Marshal(ingest.LocationMessage{Kind: geo.KindResponder, Removed: true, LocationSample: models.LocationSample{UserID: "r9"}})
	r := &scriptedReader{msgs: []kafka.Message{{Value: fix}, {Value: tomb}}}
	idx := geo.NewIndex()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(ctx, r, idx, logging.Nop())
	}()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.i == len(r.msgs)
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, nearby(t, idx))
}

func nearby(t *testing.T, idx *geo.MemIndex) []models.Candidate {
	t.Helper()
	got, err := idx.Nearby(context.Background(), geo.Query{Center: models.Coord{Lat: 1, Lng: 2}, RadiusMeters: 1000, Kind: geo.KindResponder})
	require.NoError(t, err)
	return got
}
