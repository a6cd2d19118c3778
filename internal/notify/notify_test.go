package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	responder = models.Actor{ID: "resp-1", Role: models.RoleResponder}
	reporter  = models.Actor{ID: "user-1", Role: models.RoleReporter}
	stranger  = models.Actor{ID: "user-2", Role: models.RoleReporter}
)

func event(typ models.EventType, record string, version int64) models.Event {
	return models.Event{Type: typ, RecordID: record, ReporterID: reporter.ID, NewStatus: models.StatusPending, Version: version, CandidateIDs: []string{}}
}

func drain(c <-chan models.Event) []models.Event {
	var out []models.Event
	for {
		select {
		case ev := <-c:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHubRoutesByRole(t *testing.T) {
	h := NewHub(8)
	r := h.Subscribe(responder)
	u := h.Subscribe(reporter)
	other := h.Subscribe(stranger)
	defer r.Close()
	defer u.Close()
	defer other.Close()

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event(models.EventEmergencyCreated, "e1", 1)))
	require.NoError(t, h.Publish(ctx, event(models.EventStatusChanged, "e1", 2)))
	require.NoError(t, h.Publish(ctx, event(models.EventPendingReminder, "e1", 2)))

	assert.Len(t, drain(r.C), 3)
	got := drain(u.C)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventStatusChanged, got[0].Type)
	assert.Empty(t, drain(other.C))
}

func TestHubDropsStaleVersions(t *testing.T) {
	h := NewHub(8)
	s := h.Subscribe(responder)
	defer s.Close()
	ctx := context.Background()

	_ = h.Publish(ctx, event(models.EventStatusChanged, "e1", 3))
	_ = h.Publish(ctx, event(models.EventStatusChanged, "e1", 2))
	_ = h.Publish(ctx, event(models.EventPendingReminder, "e1", 3))
	_ = h.Publish(ctx, event(models.EventStatusChanged, "e2", 1))

	got := drain(s.C)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Version)
	assert.Equal(t, models.EventPendingReminder, got[1].Type)
	assert.Equal(t, "e2", got[2].RecordID)
}

func TestHubPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	h := NewHub(1)
	slow := h.Subscribe(responder)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = h.Publish(context.Background(), event(models.EventEmergencyCreated, "e"+string(rune('a'+i%26)), int64(i+1)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, drain(slow.C), 1)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := NewHub(0)
	s := h.Subscribe(responder)
	assert.Equal(t, 1, h.Len())
	s.Close()
	s.Close()
	assert.Equal(t, 0, h.Len())
	_, ok := <-s.C
	assert.False(t, ok)
	// publishing after close is harmless
	require.NoError(t, h.Publish(context.Background(), event(models.EventEmergencyCreated, "e1", 1)))
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	m := Multi{
		PublisherFunc(func(context.Context, models.Event) error { calls++; return nil }),
		nil,
		PublisherFunc(func(context.Context, models.Event) error { calls++; return boom }),
	}
	err := m.Publish(context.Background(), event(models.EventEmergencyCreated, "e1", 1))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaBusKeysByRecord(t *testing.T) {
	w := &fakeWriter{}
	bus := NewKafkaBus(w, logging.Nop())
	require.NoError(t, bus.Publish(context.Background(), event(models.EventEmergencyCreated, "e42", 1)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "e42", string(w.msgs[0].Key))

	var ev models.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, models.EventEmergencyCreated, ev.Type)

	w.err = errors.New("broker down")
	assert.Error(t, bus.Publish(context.Background(), event(models.EventEmergencyCreated, "e43", 1)))
}

type fakeReader struct {
	msgs chan kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) Close() error { return nil }

func TestRelayFeedsHub(t *testing.T) {
	h := NewHub(8)
	s := h.Subscribe(responder)
	defer s.Close()

	r := &fakeReader{msgs: make(chan kafka.Message, 2)}
	b, _ := json.Marshal(event(models.EventEmergencyCreated, "e1", 1))
	r.msgs <- kafka.Message{Value: []byte("not json")}
	r.msgs <- kafka.Message{Value: b}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Relay(ctx, r, h, logging.Nop()) }()

	select {
	case ev := <-s.C:
		assert.Equal(t, "e1", ev.RecordID)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed event not delivered")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestWebhookPostsEvents(t *testing.T) {
	got := make(chan models.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		assert.Equal(t, string(models.EventStatusChanged), r.Header.Get("X-Event-Type"))
		got <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, 4, logging.Nop())
	wh.Client = srv.Client()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wh.Run(ctx) }()

	require.NoError(t, wh.Publish(ctx, event(models.EventStatusChanged, "e9", 2)))
	select {
	case ev := <-got:
		assert.Equal(t, "e9", ev.RecordID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestWebhookQueueOverflowDrops(t *testing.T) {
	wh := NewWebhook("http://127.0.0.1:0", 1, logging.Nop())
	for i := 0; i < 5; i++ {
		assert.NoError(t, wh.Publish(context.Background(), event(models.EventEmergencyCreated, "e1", int64(i+1))))
	}
	assert.Len(t, wh.queue, 1)
}

func TestServeSSEStreamsEvents(t *testing.T) {
	h := NewHub(8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeSSE(h, logging.Nop(), w, r, responder, time.Minute)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = h.Publish(context.Background(), event(models.EventEmergencyCreated, "e7", 1))

	sc := bufio.NewScanner(resp.Body)
	var data string
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "e7", ev.RecordID)

	cancel()
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWSStreamsEventsAndStopsOnDisconnect(t *testing.T) {
	h := NewHub(8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(h, logging.Nop(), w, r, reporter)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_ = h.Publish(context.Background(), event(models.EventEmergencyCreated, "e1", 1))
	_ = h.Publish(context.Background(), event(models.EventStatusChanged, "e1", 2))

	var ev models.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventStatusChanged, ev.Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
