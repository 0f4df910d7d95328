package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"qms/visit-service/internal/hub"

	"github.com/igm/sockjs-go/sockjs"
)

const (
	streamHeartbeat  = 15 * time.Second
	queueUpdatedType = "queue.updated"
)

type realtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleQueueStream serves one department's snapshots as server-sent events:
// the current snapshot first, then every newer one.
func (h *Handler) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	traceID := TraceIDFromContext(r.Context())
	if h.subscriptions == nil {
		writeError(w, traceID, http.StatusServiceUnavailable, "unavailable", "streaming is not enabled")
		return
	}
	departmentID := strings.TrimSpace(r.PathValue("id"))

	client := h.subscriptions.Subscribe(departmentID)
	defer h.subscriptions.Unsubscribe(client)

	snapshot, err := h.service.GetDepartmentQueue(r.Context(), departmentID)
	if err != nil {
		h.writeServiceError(w, traceID, err)
		return
	}
	if err := h.subscriptions.Prime(client, snapshot); err != nil {
		h.writeServiceError(w, traceID, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case payload, ok := <-client.Send:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", queueUpdatedType, payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// RealtimeHandler serves the sockjs endpoint. A session follows at most one
// department at a time, chosen with
// {"action":"subscribe","department_id":"GM"}.
func (h *Handler) RealtimeHandler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		var mu sync.Mutex
		var current *hub.Client
		unsubscribe := func() {
			mu.Lock()
			defer mu.Unlock()
			if current != nil {
				h.subscriptions.Unsubscribe(current)
				current = nil
			}
		}
		defer unsubscribe()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			unsubscribe()
			if parsed.Action == "unsubscribe" {
				continue
			}
			departmentID := strings.TrimSpace(parsed.DepartmentID)
			if departmentID == "" {
				continue
			}

			client := h.subscriptions.Subscribe(departmentID)
			mu.Lock()
			current = client
			mu.Unlock()
			go forwardToSession(session, client)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			snapshot, err := h.service.GetDepartmentQueue(ctx, departmentID)
			cancel()
			if err != nil {
				h.logger.Error().Err(err).Str("department_id", departmentID).Msg("realtime initial snapshot")
				continue
			}
			_ = h.subscriptions.Prime(client, snapshot)
		}
	})
}

func forwardToSession(session sockjs.Session, client *hub.Client) {
	for payload := range client.Send {
		encoded, err := json.Marshal(realtimeEnvelope{Type: queueUpdatedType, Payload: payload})
		if err != nil {
			continue
		}
		if err := session.Send(string(encoded)); err != nil {
			return
		}
	}
}
