package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
)

// handleSSE streams the caller's workspace events via Server-Sent Events.
// GET /api/v1/stream/sse with an optional Last-Event-ID header
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	workspaceID := principal(r).WorkspaceID
	typeFilter, lastID := streamParams(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.hub.Subscribe(workspaceID, subscriberBuffer)
	defer h.hub.Unsubscribe(workspaceID, ch)

	fmt.Fprintf(w, ": connected to workspace %s\n\n", workspaceID)
	flusher.Flush()

	sent := lastID
	if lastID > 0 {
		for _, ev := range h.hub.ReplaySince(workspaceID, lastID) {
			sent = ev.Seq
			if wanted(typeFilter, ev) {
				writeSSE(w, ev)
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("workspace_id", workspaceID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= sent || !wanted(typeFilter, ev) {
				continue
			}
			sent = ev.Seq
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
