package events

import (
	"fmt"
	"net/http"
	"strings"
)

// ParseTopics splits a comma separated topic list.
func ParseTopics(q string) []Topic {
	var out []Topic
	for _, t := range strings.Split(q, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, Topic(t))
		}
	}
	return out
}

// SSEHandler streams bus events as server-sent events. Clients may filter
// topics via ?topics=a,b.
func SSEHandler(bus *Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := bus.Subscribe(ParseTopics(r.URL.Query().Get("topics"))...)
		defer bus.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Topic, evt.Data)
				flusher.Flush()
			}
		}
	}
}
