package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/emergency-dispatch/internal/models"
)

const sseRetryMs = 5000

// ServeSSE streams the actor's events as server-sent events until the
// request context ends. keepalive <= 0 defaults to 30s.
func ServeSSE(h *Hub, log *zap.SugaredLogger, w http.ResponseWriter, r *http.Request, actor models.Actor, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMs)
	flusher.Flush()

	sub := h.Subscribe(actor)
	defer sub.Close()
	log.Infow("sse subscribed", "actor", actor.ID, "role", actor.Role, "subscription", sub.ID)

	ping := time.NewTicker(keepalive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s:%d\nevent: %s\ndata: %s\n\n", ev.RecordID, ev.Version, ev.Type, b)
	return err
}
