package httpx

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/pipectl/internal/service/preview"
	"github.com/splax/pipectl/internal/ws"
)

func (r *Router) handlePreviewIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	req, info := r.optionalAuth(w, req)
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	events, err := preview.DecodeEvents(body)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	n, err := r.preview.Ingest(req.Context(), info.OrgID, events)
	r.recordPreviewEvents("ingest", len(events), outcome(err == nil, "accepted", "rejected"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "accepted": n})
}

func (r *Router) handlePreviewEvents(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		q := req.URL.Query()
		events, err := r.preview.Query(req.Context(), info.OrgID, strings.TrimSpace(q.Get("component")), strings.TrimSpace(q.Get("type")))
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case http.MethodDelete:
		if err := r.preview.Reset(req.Context(), info.OrgID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePreviewWS(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireOrg(w, req)
	if !ok {
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live preview disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(info.OrgID, client)
	go func() {
		defer func() {
			r.hub.Unregister(info.OrgID, client)
			client.Close()
		}()
		client.Wait()
	}()
}

func (r *Router) handlePreviewSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireOrg(w, req)
	if !ok {
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live preview disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, "preview", r.logger)
	r.hub.Register(info.OrgID, client)
	defer r.hub.Unregister(info.OrgID, client)
	r.streamUntilDone(req.Context(), client)
}

func (r *Router) streamUntilDone(ctx context.Context, client *ws.SSEClient) {
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			client.Close()
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// handleCollect serves /collect/{channel} and /collect/{channel}/{start|stop}.
func (r *Router) handleCollect(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/collect/"), "/"), "/")
	channel := parts[0]
	if channel == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 2 {
		r.handleCollectControl(w, req, channel, parts[1])
		return
	}
	switch req.Method {
	case http.MethodPost:
		if !r.verifyInternalToken(w, req) {
			return
		}
		if !r.allow(w, req, "/collect/", "collect:"+channel, rateLimitCollect, rateWindowDefault) {
			return
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read body")
			return
		}
		events, err := preview.DecodeEvents(body)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		kept, err := r.preview.Post(req.Context(), channel, events)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		r.recordPreviewEvents("collect", len(events), outcome(kept, "collected", "dropped"))
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "collected": kept})
	case http.MethodGet:
		r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
			state, events, err := r.preview.Read(req.Context(), channel)
			if err != nil {
				r.writeServiceError(w, req, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"channel":    state.Channel,
				"collecting": state.Collecting,
				"events":     events,
			})
		})(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCollectControl(w http.ResponseWriter, req *http.Request, channel, action string) {
	if action != "start" && action != "stop" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		var (
			state preview.ChannelState
			err   error
		)
		if action == "start" {
			state, err = r.preview.StartCollecting(req.Context(), channel)
		} else {
			state, err = r.preview.StopCollecting(req.Context(), channel)
		}
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	})(w, req)
}

func (r *Router) handleCorrelate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rawIDs := req.URL.Query().Get("ids")
	if strings.TrimSpace(strings.ReplaceAll(rawIDs, ",", "")) == "" {
		writeError(w, http.StatusBadRequest, "ids query parameter required")
		return
	}
	report, err := r.correlate.Correlate(req.Context(), rawIDs)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	status := http.StatusOK
	if report.Found == 0 {
		status = http.StatusNotFound
	}
	writeJSON(w, status, report)
}
