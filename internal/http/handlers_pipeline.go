package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/splax/pipectl/internal/domain"
	"github.com/splax/pipectl/internal/pipeline"
	"github.com/splax/pipectl/internal/service/instance"
)

func (r *Router) handlePipeline(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireOrg(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		cfg, err := r.instances.Config(req.Context(), info.OrgID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"org_id": info.OrgID, "config": cfg})
	case http.MethodPut:
		cfg, ok := r.decodeConfigBody(w, req)
		if !ok {
			return
		}
		saved, err := r.instances.Save(req.Context(), info.UserID, info.OrgID, cfg)
		if err != nil && !(errors.Is(err, instance.ErrPushFailed) && saved != nil) {
			r.writeServiceError(w, req, err)
			return
		}
		payload := marshalInstance(saved)
		payload["pushed"] = err == nil
		status := http.StatusOK
		if err != nil {
			payload["push_error"] = err.Error()
			status = http.StatusAccepted
		}
		writeJSON(w, status, payload)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePipelinePreview(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireOrg(w, req)
	if !ok {
		return
	}
	cfg, err := r.instances.Preview(req.Context(), info.OrgID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": info.OrgID, "config": cfg})
}

func (r *Router) handlePipelineValidate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireOrg(w, req)
	if !ok {
		return
	}
	cfg, ok := r.decodeConfigBody(w, req)
	if !ok {
		return
	}
	if cfg.Len() == 0 {
		stored, err := r.instances.Config(req.Context(), info.OrgID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		cfg = stored
	}
	problems := pipeline.Validate(cfg)
	items := make([]map[string]any, 0, len(problems))
	for _, p := range problems {
		items = append(items, map[string]any{
			"component_id": p.ComponentID,
			"kind":         p.Kind,
			"message":      p.Message,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": len(problems) == 0, "problems": items})
}

func (r *Router) handleEngineHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireOrg(w, req)
	if !ok {
		return
	}
	res := r.engine.Probe(req.Context(), info.OrgID)
	if res.Err != nil {
		r.logger.Debug("engine unhealthy", "org_id", info.OrgID, "error", res.Err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": res.Healthy})
}

func (r *Router) handleEngineMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireOrg(w, req)
	if !ok {
		return
	}
	samples, err := r.engine.FetchMetrics(req.Context(), info.OrgID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalSamples(samples))
}

// decodeConfigBody accepts {"config": X} or X itself, where X is a config
// object or a string of JSON/YAML text. An empty body yields an empty config.
func (r *Router) decodeConfigBody(w http.ResponseWriter, req *http.Request) (domain.PipelineConfig, bool) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return domain.PipelineConfig{}, false
	}
	raw := bytes.TrimSpace(body)
	if len(raw) > 0 && raw[0] == '{' {
		var envelope struct {
			Config json.RawMessage `json:"config"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Config) > 0 {
			raw = envelope.Config
		}
	}
	cfg, err := instance.NormalizeConfig(raw)
	if err != nil {
		r.writeServiceError(w, req, err)
		return domain.PipelineConfig{}, false
	}
	return cfg, true
}

func marshalInstance(i *domain.TenantInstance) map[string]any {
	return map[string]any{
		"id":          i.ID,
		"org_id":      i.OrgID,
		"engine_host": i.EngineHost,
		"config":      i.Config,
		"created_at":  i.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  i.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func marshalSamples(samples map[string]domain.MetricSample) map[string]any {
	out := make(map[string]any, len(samples))
	for id, s := range samples {
		out[id] = map[string]any{
			"component_id":    s.ComponentID,
			"component_type":  s.ComponentType,
			"kind":            s.Kind,
			"received_events": s.ReceivedEvents,
			"sent_events":     s.SentEvents,
			"received_bytes":  s.ReceivedBytes,
			"sent_bytes":      s.SentBytes,
			"observed_at":     s.ObservedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}
