package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// streamEvents relays bus events as Server-Sent Events until the client
// disconnects.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.Bus == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.deps.Bus.Stream(r.Context(), 64)

	// An initial comment establishes the stream.
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for evt := range ch {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Topic(), payload); err != nil {
			return
		}
		flusher.Flush()
	}
}
