package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/obs"
)

// streamEvents handles Server-Sent Events for a session's dashboard feed.
// The first event is always a snapshot of the session as of subscription.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := a.svc.Subscribe(ctx, sessionID)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	obs.SubscriberConnected()
	defer obs.SubscriberGone()

	// Initial comment establishes the stream before the snapshot arrives
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: "))
		_, _ = w.Write([]byte(event.Type))
		_, _ = w.Write([]byte("\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
