package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// sseKeepAlive is the interval between comment lines on an idle stream.
	sseKeepAlive = 15 * time.Second
	// sseRetry is the reconnect delay suggested to clients.
	sseRetry = 3 * time.Second
)

// sseStream writes server-sent events with increasing ids.
type sseStream struct {
	w   http.ResponseWriter
	f   http.Flusher
	seq int
}

func (st *sseStream) send(event string, v any, retry time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	st.seq++
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\nid: %d\n", event, st.seq)
	if retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", retry.Milliseconds())
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	if _, err := fmt.Fprint(st.w, b.String()); err != nil {
		return err
	}
	st.f.Flush()
	return nil
}

func (st *sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(st.w, ": %s\n\n", text); err != nil {
		return err
	}
	st.f.Flush()
	return nil
}

func parseTypes(raw string) []string {
	var types []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

// handleSSE streams bus events. Under /research/{threadID}/events only that
// run and its interviews are streamed; ?types=a,b filters by event type.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.eventBus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	thread := string(threadParam(r))
	sub := s.eventBus.SubscribeForThread(thread, parseTypes(r.URL.Query().Get("types"))...)
	defer s.eventBus.Unsubscribe(sub)

	log := s.logger.With("remote_addr", r.RemoteAddr, "thread_id", thread)
	log.Info("event stream opened")

	st := &sseStream{w: w, f: flusher}
	if err := st.send("connected", map[string]string{"status": "connected", "thread_id": thread}, sseRetry); err != nil {
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			log.Info("event stream closed by client")
			return
		case <-ticker.C:
			err = st.comment("keep-alive")
		case ev, ok := <-sub:
			if !ok {
				log.Info("event bus closed, ending stream")
				return
			}
			err = st.send(ev.EventType(), ev, 0)
		}
		if err != nil {
			log.Debug("event stream write failed", "error", err)
			return
		}
	}
}
