package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/pipectl/internal/domain"
	"github.com/splax/pipectl/internal/pipeline"
	"github.com/splax/pipectl/internal/repository"
	"github.com/splax/pipectl/internal/service/correlate"
	"github.com/splax/pipectl/internal/service/engine"
	"github.com/splax/pipectl/internal/service/identity"
	"github.com/splax/pipectl/internal/service/instance"
	"github.com/splax/pipectl/internal/service/preview"
	"github.com/splax/pipectl/internal/ws"
	"github.com/splax/pipectl/pkg/config"
	"github.com/splax/pipectl/pkg/crypto"
	jwtpkg "github.com/splax/pipectl/pkg/jwt"
)

const testSecret = "router-secret"

type instanceRepoStub struct {
	mu        sync.Mutex
	instances map[string]domain.TenantInstance
}

func (s *instanceRepoStub) GetInstanceByOrg(_ context.Context, orgID string) (*domain.TenantInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[orgID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	inst.Config = inst.Config.Clone()
	return &inst, nil
}

func (s *instanceRepoStub) CreateInstance(_ context.Context, inst *domain.TenantInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.OrgID]; ok {
		return repository.ErrConflict
	}
	s.instances[inst.OrgID] = *inst
	return nil
}

func (s *instanceRepoStub) UpdateInstanceConfig(_ context.Context, orgID string, cfg domain.PipelineConfig, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[orgID]
	if !ok {
		return repository.ErrNotFound
	}
	inst.Config = cfg.Clone()
	inst.UpdatedAt = updatedAt
	s.instances[orgID] = inst
	return nil
}

type membersStub map[string]string

func (m membersStub) GetOrgIDForUser(_ context.Context, userID string) (string, error) {
	if org, ok := m[userID]; ok {
		return org, nil
	}
	return "", repository.ErrNotFound
}

type keysStub map[string]domain.APIKey

func (k keysStub) GetAPIKeyByPrefix(_ context.Context, prefix string) (*domain.APIKey, error) {
	if key, ok := k[prefix]; ok {
		return &key, nil
	}
	return nil, repository.ErrNotFound
}

type testEnv struct {
	router *Router
	hub    *ws.Hub
	logDir string
}

func newTestEnv(t *testing.T, health map[string]HealthCheck) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		JWTSecret:          testSecret,
		EngineHostTemplate: "vector-%s",
		EngineQueryTimeout: 200 * time.Millisecond,
	}
	hash, err := crypto.HashSecret("topsecret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ident := identity.New(
		membersStub{"alice": "org-1"},
		keysStub{"pk": {ID: "k1", OrgID: "org-key", Prefix: "pk", Hash: hash}},
		logger, cfg,
	)
	injector := pipeline.NewInjector(pipeline.Options{IngestURL: "http://pipectl/preview/ingest"})
	instances := instance.New(&instanceRepoStub{instances: map[string]domain.TenantInstance{}}, ident, injector, nil, logger, cfg)
	hub := ws.NewHub()
	t.Cleanup(hub.Close)

	logDir := t.TempDir()
	correlator := correlate.New(correlate.Options{}, logger)

	r := NewRouter(logger, Dependencies{
		Identity:  ident,
		Instances: instances,
		Engine:    engine.NewClient(instances, nil, logger, cfg),
		Preview:   preview.New(preview.NewMemoryStore(10), preview.NewMemoryChannels(preview.DefaultChannelCapacity), hub, logger),
		Correlate: correlate.NewService(correlator, logDir, []string{"raw_logs.log", "processed_logs.log"}),
		Hub:       hub,
		Health:    health,
	})
	t.Cleanup(r.Close)
	return &testEnv{router: r, hub: hub, logDir: logDir}
}

func bearer(t *testing.T, userID, orgID string) string {
	t.Helper()
	token, err := jwtpkg.GenerateToken(userID, orgID, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return "Bearer " + token
}

func (e *testEnv) do(method, path, auth string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPipelineRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(http.MethodGet, "/pipeline", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/pipeline", "Bearer nope", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
	orphan := bearer(t, "orphan", "")
	if rec := env.do(http.MethodGet, "/pipeline", orphan, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for user without org, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPut, "/pipeline", orphan, `{"components":[]}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 saving without org, got %d", rec.Code)
	}
}

func TestPipelineSaveAndRead(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := bearer(t, "alice", "org-1")

	rec := env.do(http.MethodGet, "/pipeline", auth, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	empty := decode[struct {
		Config domain.PipelineConfig `json:"config"`
	}](t, rec)
	if empty.Config.Sources == nil || empty.Config.Len() != 0 {
		t.Fatalf("expected empty skeleton, got %+v", empty.Config)
	}

	body := `{"config":"sources:\n  in:\n    type: stdin\nsinks:\n  out:\n    type: console\n    inputs: [in]\n"}`
	rec = env.do(http.MethodPut, "/pipeline", auth, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on save, got %d: %s", rec.Code, rec.Body.String())
	}
	saved := decode[map[string]any](t, rec)
	if saved["engine_host"] != "vector-org-1" || saved["pushed"] != true {
		t.Fatalf("unexpected save response %v", saved)
	}

	rec = env.do(http.MethodGet, "/pipeline/preview", auth, "")
	previewed := decode[struct {
		Config domain.PipelineConfig `json:"config"`
	}](t, rec)
	if _, ok := previewed.Config.Sinks[pipeline.PreviewSinkID]; !ok {
		t.Fatalf("expected preview sink in previewed config")
	}
	if _, ok := previewed.Config.Transforms["in_preview"]; !ok {
		t.Fatalf("expected source tap in previewed config")
	}

	if rec := env.do(http.MethodPut, "/pipeline", auth, `[1,2]`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid config, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPut, "/pipeline", bearer(t, "alice", "org-2"), body); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign org, got %d", rec.Code)
	}
}

func TestPipelineValidate(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"sinks":{"out":{"type":"console","inputs":["ghost"]}}}`
	rec := env.do(http.MethodPost, "/pipeline/validate", bearer(t, "alice", "org-1"), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decode[struct {
		Valid    bool             `json:"valid"`
		Problems []map[string]any `json:"problems"`
	}](t, rec)
	if out.Valid || len(out.Problems) != 1 || !strings.Contains(out.Problems[0]["message"].(string), "ghost") {
		t.Fatalf("unexpected validation result %+v", out)
	}
}

func TestEngineRoutesWithoutInstance(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := bearer(t, "alice", "org-1")
	rec := env.do(http.MethodGet, "/engine/health", auth, "")
	if rec.Code != http.StatusOK || decode[map[string]bool](t, rec)["healthy"] {
		t.Fatalf("expected unhealthy 200, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodGet, "/engine/metrics", auth, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without instance, got %d", rec.Code)
	}
}

func TestPreviewIngestAndQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := bearer(t, "alice", "org-1")

	body := `[{"previewComponent":"in","previewType":"source","previewOrg":"org-1","message":"a","service":"x"},
		{"previewComponent":"out","previewType":"sink","previewOrg":"org-1","message":"b"}]`
	rec := env.do(http.MethodPost, "/preview/ingest", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodPost, "/preview/ingest", "", `{"message":"orphan"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing org, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/preview/ingest", auth, `{"previewComponent":"in","previewType":"source","message":"c"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected bearer-authenticated ingest to succeed, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/preview/events?component=in&type=source", auth, "")
	events := decode[[]map[string]any](t, rec)
	if len(events) != 2 {
		t.Fatalf("expected 2 filtered events, got %v", events)
	}
	if _, ok := events[0]["service"]; ok {
		t.Fatalf("expected service stripped")
	}

	if rec := env.do(http.MethodDelete, "/preview/events", auth, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on reset, got %d", rec.Code)
	}
	if events := decode[[]map[string]any](t, env.do(http.MethodGet, "/preview/events", auth, "")); len(events) != 0 {
		t.Fatalf("expected empty buffer after reset, got %v", events)
	}
}

func TestPreviewIngestWithAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)
	post := func(header, value, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/preview/ingest", strings.NewReader(body))
		req.Header.Set(header, value)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec.Code
	}
	anonymous := `{"previewComponent":"in","previewType":"source"}`
	withOrg := `{"previewComponent":"in","previewType":"source","previewOrg":"org-1"}`

	if code := post("X-API-Key", "pk.topsecret", anonymous); code != http.StatusOK {
		t.Fatalf("expected 200 with valid key, got %d", code)
	}
	if code := post("X-API-Key", "pk.wrong", withOrg); code != http.StatusOK {
		t.Fatalf("expected wrong key to fall back to payload org, got %d", code)
	}
	if code := post("Authorization", "Bearer nope", withOrg); code != http.StatusOK {
		t.Fatalf("expected bad token to fall back to payload org, got %d", code)
	}
	if code := post("X-API-Key", "pk.wrong", anonymous); code != http.StatusBadRequest {
		t.Fatalf("expected 400 with wrong key and no org, got %d", code)
	}

	keyed := decode[[]map[string]any](t, env.do(http.MethodGet, "/preview/events", bearer(t, "bob", "org-key"), ""))
	if len(keyed) != 1 {
		t.Fatalf("expected one event filed under key org, got %v", keyed)
	}
	fallback := decode[[]map[string]any](t, env.do(http.MethodGet, "/preview/events", bearer(t, "alice", "org-1"), ""))
	if len(fallback) != 2 {
		t.Fatalf("expected two events filed under payload org, got %v", fallback)
	}
}

func TestCollectChannels(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := bearer(t, "alice", "org-1")

	if rec := env.do(http.MethodPost, "/collect/raw", "", `[{"n":1}]`); rec.Code != http.StatusOK || decode[map[string]any](t, rec)["collected"] != false {
		t.Fatalf("expected idle post to be acknowledged and dropped, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodPost, "/collect/raw/start", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected start to require auth, got %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/collect/raw/start", auth, "")
	state := decode[preview.ChannelState](t, rec)
	if !state.Collecting || state.Channel != "raw" {
		t.Fatalf("unexpected start state %+v", state)
	}
	env.do(http.MethodPost, "/collect/raw", "", `[{"n":1},[{"n":2}]]`)

	rec = env.do(http.MethodGet, "/collect/raw", auth, "")
	snapshot := decode[struct {
		Collecting bool             `json:"collecting"`
		Events     []map[string]any `json:"events"`
	}](t, rec)
	if !snapshot.Collecting || len(snapshot.Events) != 2 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	rec = env.do(http.MethodPost, "/collect/raw/stop", auth, "")
	if decode[preview.ChannelState](t, rec).Collecting {
		t.Fatalf("expected stopped channel")
	}
	if rec := env.do(http.MethodPost, "/collect/bogus/start", auth, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown channel, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/collect/raw/pause", auth, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestCorrelate(t *testing.T) {
	env := newTestEnv(t, nil)
	lines := `{"id":"a","timestamp":"2024-01-01T00:00:09Z"}` + "\n" + `{"id":"b","timestamp":"2024-01-01T00:00:03Z"}` + "\n"
	if err := os.WriteFile(filepath.Join(env.logDir, "raw_logs.log"), []byte(lines), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	auth := bearer(t, "alice", "org-1")

	rec := env.do(http.MethodGet, "/logs/correlate?ids=a,b,z", auth, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	report := decode[correlate.Report](t, rec)
	if report.Requested != 3 || report.Found != 2 || len(report.Missing) != 1 || report.Logs[0]["id"] != "b" {
		t.Fatalf("unexpected report %+v", report)
	}
	if rec := env.do(http.MethodGet, "/logs/correlate?ids=zz", auth, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when nothing matches, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/logs/correlate?ids=,", auth, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without ids, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("down") },
	})
	rec := env.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestPreviewWebsocketStream(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", bearer(t, "alice", "org-1"))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/preview", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for env.hub.Subscribers("org-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(srv.URL+"/preview/ingest", "application/json",
		bytes.NewBufferString(`{"previewComponent":"in","previewType":"source","previewOrg":"org-1","message":"live","service":"x"}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event["message"] != "live" {
		t.Fatalf("unexpected live event %v", event)
	}
	if _, ok := event["service"]; ok {
		t.Fatalf("expected service stripped from live event")
	}
}

func TestStatusForError(t *testing.T) {
	cases := map[error]int{
		domain.ErrUnauthorized:    http.StatusUnauthorized,
		domain.ErrAccessDenied:    http.StatusForbidden,
		repository.ErrNotFound:    http.StatusNotFound,
		repository.ErrConflict:    http.StatusConflict,
		engine.ErrTimeout:         http.StatusGatewayTimeout,
		engine.ErrUnavailable:     http.StatusServiceUnavailable,
		&engine.EngineError{}:     http.StatusBadGateway,
		preview.ErrMissingOrg:     http.StatusBadRequest,
		instance.ErrInvalidConfig: http.StatusBadRequest,
		errors.New("unexpected"):  http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusForError(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}
