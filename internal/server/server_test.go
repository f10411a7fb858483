package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/config"
	"github.com/normanking/cortex-evolution/internal/data"
	"github.com/normanking/cortex-evolution/internal/engine"
	"github.com/normanking/cortex-evolution/internal/metrics"
	"github.com/normanking/cortex-evolution/internal/normalize"
)

func newTestEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Persistence.Enabled = false
	cfg.Cascade.AutoTrigger = false
	eng := engine.New(cfg, opts...)
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

func newTestServer(t *testing.T, eng *engine.Engine, cfg Config, opts ...Option) http.Handler {
	t.Helper()
	srv := NewServer(eng, cfg, opts...)
	t.Cleanup(func() { _ = srv.Stream().Close() })
	return srv.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v), rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig(), WithVersion("1.2.3"))

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var out HealthResponse
	decode(t, rec, &out)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "1.2.3", out.Version)
	assert.False(t, out.Degraded)
	assert.Equal(t, engine.PersistenceDisabled, out.Persistence)
}

func TestIngestAndStatus(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig())

	rec := do(t, h, http.MethodPost, "/v1/ingest",
		`{"concepts":[{"label":"Python","weight":1},{"label":"flask","weight":1},{"label":"the","weight":1}],"source":"chat"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ingest engine.IngestResponse
	decode(t, rec, &ingest)
	assert.Equal(t, 2, ingest.NewConcepts)
	assert.Equal(t, 1, ingest.Rejected)

	rec = do(t, h, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]interface{}
	decode(t, rec, &raw)
	for _, key := range []string{"concept_count", "connection_count", "network_density",
		"capabilities", "evolution_score", "recent_events", "generation", "degraded"} {
		assert.Contains(t, raw, key)
	}
	assert.EqualValues(t, 2, raw["concept_count"])
	assert.EqualValues(t, 1, raw["connection_count"])
}

func TestIngest_InvalidSource(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig())

	rec := do(t, h, http.MethodPost, "/v1/ingest", `{"concepts":[{"label":"python","weight":1}],"source":"email"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var out ErrorResponse
	decode(t, rec, &out)
	assert.Equal(t, "invalid_source", out.Error)
}

func TestIngest_InvalidJSON(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig())

	rec := do(t, h, http.MethodPost, "/v1/ingest", `{"concepts":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngest_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IngestRate = 0.001
	cfg.IngestBurst = 2
	h := newTestServer(t, newTestEngine(t), cfg)

	body := `{"concepts":[{"label":"python","weight":1}]}`
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/ingest", body).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/ingest", body).Code)

	rec := do(t, h, http.MethodPost, "/v1/ingest", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/status", "").Code)
}

func TestCascadeEndpoint(t *testing.T) {
	eng := newTestEngine(t)
	h := newTestServer(t, eng, DefaultConfig())

	do(t, h, http.MethodPost, "/v1/ingest", `{"concepts":[{"label":"alpha","weight":10},{"label":"beta","weight":10}]}`)
	do(t, h, http.MethodPost, "/v1/ingest", `{"concepts":[{"label":"gamma","weight":10},{"label":"delta","weight":10}]}`)

	rec := do(t, h, http.MethodPost, "/v1/cascade", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out CascadeResponse
	decode(t, rec, &out)
	assert.False(t, out.Busy)
	assert.Len(t, out.Clusters, 2)
	assert.NotEmpty(t, out.RunID)
}

func TestCascadeEndpoint_EmptyGraph(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig())

	rec := do(t, h, http.MethodPost, "/v1/cascade", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"clusters":[]`)
}

func TestDecayEndpoint(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig())
	do(t, h, http.MethodPost, "/v1/ingest", `{"concepts":[{"label":"python","weight":0.05}]}`)

	rec := do(t, h, http.MethodPost, "/v1/decay", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out DecayResponse
	decode(t, rec, &out)
	assert.Equal(t, 1, out.ConceptsRemoved)
	assert.Equal(t, 0.95, out.Factor)
}

func TestFlushEndpoint(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig())

	rec := do(t, h, http.MethodPost, "/v1/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out FlushResponse
	decode(t, rec, &out)
	assert.Equal(t, "disabled", out.Persistence)
}

func TestFlushEndpoint_Degraded(t *testing.T) {
	store, err := data.NewDB(data.MemoryPath, data.DriverModernc)
	require.NoError(t, err)
	eng := newTestEngine(t, engine.WithStore(store))
	h := newTestServer(t, eng, DefaultConfig())

	require.NoError(t, store.Close())

	rec := do(t, h, http.MethodPost, "/v1/flush", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthResponse
	decode(t, do(t, h, http.MethodGet, "/health", ""), &health)
	assert.True(t, health.Degraded)
	assert.Equal(t, engine.PersistenceDegraded, health.Persistence)
}

func TestEventsEndpoint(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig())
	do(t, h, http.MethodPost, "/v1/ingest", `{"concepts":[{"label":"python","weight":1},{"label":"flask","weight":1}]}`)

	var out struct {
		Events []bus.Event `json:"events"`
		Count  int         `json:"count"`
		LastID int64       `json:"last_id"`
	}
	decode(t, do(t, h, http.MethodGet, "/v1/events?limit=1", ""), &out)
	require.Len(t, out.Events, 1)
	assert.Equal(t, out.LastID, out.Events[0].ID)

	decode(t, do(t, h, http.MethodGet, "/v1/events?since=1", ""), &out)
	assert.Equal(t, int64(2), out.Events[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/events?limit=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/events?since=-4", "").Code)
}

func TestConceptEndpoint(t *testing.T) {
	h := newTestServer(t, newTestEngine(t), DefaultConfig())
	do(t, h, http.MethodPost, "/v1/ingest",
		`{"concepts":[{"label":"python","weight":5},{"label":"flask","weight":1},{"label":"django","weight":3}]}`)
	do(t, h, http.MethodPost, "/v1/ingest", `{"concepts":[{"label":"Python","weight":1},{"label":"django","weight":1}]}`)

	rec := do(t, h, http.MethodGet, "/v1/concepts/PYTHON?k=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view engine.ConceptView
	decode(t, rec, &view)
	assert.Equal(t, "python", view.Concept.Label)
	assert.Equal(t, 2, view.Degree)
	require.Len(t, view.Neighbors, 1)
	assert.Equal(t, "django", view.Neighbors[0].Concept.Label)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/concepts/rust", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/concepts/python?k=x", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	eng := newTestEngine(t)
	collector, err := metrics.NewCollector(eng.Events())
	require.NoError(t, err)
	collector.Start()
	defer collector.Stop()

	h := newTestServer(t, eng, DefaultConfig(), WithCollector(collector))
	do(t, h, http.MethodPost, "/v1/ingest", `{"concepts":[{"label":"python","weight":1}]}`)

	require.Eventually(t, func() bool {
		return collector.Stats().TotalEvents > 0
	}, time.Second, 5*time.Millisecond)

	rec := do(t, h, http.MethodGet, "/v1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out MetricsResponse
	decode(t, rec, &out)
	require.NotNil(t, out.Events)
	assert.Positive(t, out.Events.TotalEvents)
	assert.Positive(t, out.Log.Appended)
	assert.NotNil(t, out.Jobs)
}

func TestEventStream(t *testing.T) {
	eng := newTestEngine(t)
	srv := NewServer(eng, DefaultConfig())
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()
	defer srv.Stream().Close()

	_, err := eng.Ingest(context.Background(), engine.IngestRequest{
		Concepts: []normalize.RawConcept{{Label: "python", Weight: 1}},
	})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?replay=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first bus.Event
	require.NoError(t, conn.ReadJSON(&first))

	_, err = eng.Ingest(context.Background(), engine.IngestRequest{
		Concepts: []normalize.RawConcept{{Label: "flask", Weight: 1}},
	})
	require.NoError(t, err)

	var next bus.Event
	require.NoError(t, conn.ReadJSON(&next))
	assert.Greater(t, next.ID, first.ID)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv := NewServer(newTestEngine(t), DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
