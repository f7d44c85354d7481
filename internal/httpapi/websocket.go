package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin is enforced by the proxy
}

const subscriberBuffer = 256

// streamParams reads the optional types filter and replay cursor.
func streamParams(r *http.Request) (map[string]struct{}, uint64) {
	typeFilter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}
	return typeFilter, lastID
}

func wanted(filter map[string]struct{}, ev streaming.Event) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[ev.Type]
	return ok
}

// handleWS streams the caller's workspace events over a websocket.
// GET /api/v1/stream/ws?last_event_id=<seq>&types=action.queued,action.approved
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	workspaceID := principal(r).WorkspaceID
	typeFilter, lastID := streamParams(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// subscribe before replay so nothing published in between is lost
	ch := h.hub.Subscribe(workspaceID, subscriberBuffer)
	defer h.hub.Unsubscribe(workspaceID, ch)

	sent := lastID
	if lastID > 0 {
		for _, ev := range h.hub.ReplaySince(workspaceID, lastID) {
			sent = ev.Seq
			if !wanted(typeFilter, ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	closed := make(chan struct{})
	// reader pump discards client messages and notices disconnects
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= sent || !wanted(typeFilter, ev) {
				continue
			}
			sent = ev.Seq
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
