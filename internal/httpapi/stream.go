package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"scopegate.org/internal/stream"
)

// Stream handles Server-Sent Events for record lifecycle transitions. The
// optional kind and resource query parameters narrow the feed, e.g.
// /v1/events?kind=deleted,restored&resource=projects.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	kinds := map[stream.EventKind]bool{}
	for _, raw := range strings.Split(r.URL.Query().Get("kind"), ",") {
		if k := strings.TrimSpace(strings.ToLower(raw)); k != "" {
			kinds[stream.EventKind(k)] = true
		}
	}
	resource := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("resource")))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.events.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		if len(kinds) > 0 && !kinds[event.Kind] {
			continue
		}
		if resource != "" && event.Resource != resource {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(event.Kind) + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
