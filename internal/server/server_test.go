package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/fieldctl/internal/auth"
	"github.com/danmuck/fieldctl/internal/channel"
	"github.com/danmuck/fieldctl/internal/commit"
	"github.com/danmuck/fieldctl/internal/field"
	"github.com/danmuck/fieldctl/internal/memory"
	"github.com/danmuck/fieldctl/internal/syncer"
	"github.com/danmuck/fieldctl/internal/testutil/testlog"
)

var testBasis = []int{1, 2, 3, 4, 5}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	local := field.New("node-b", field.DefaultConfig())
	remote := field.New("node-a", field.DefaultConfig())
	ch := channel.New("node-b", "chan-1", testBasis, channel.DefaultOptions())
	remoteCh := channel.New("node-a", "chan-1", testBasis, channel.DefaultOptions())
	proto := commit.NewProtocol("node-b", ch, commit.DefaultConfig())
	sync := syncer.New("node-b", local, remote, ch, proto, remoteCh.LocalReference(), syncer.DefaultConfig(), nil)

	srv := Appear("node-b", ":0", nil, local, proto, sync)
	srv.RegisterRoutes()
	return srv
}

func request(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return out
}

func testObject(id string) memory.Object {
	return memory.Object{
		ID:                  id,
		Timestamp:           time.Now(),
		BasisKeys:           []int{1, 2},
		Amplitudes:          []float64{0.5, 0.8},
		Phases:              []float64{0.1, 0.2},
		SourceNodeID:        "node-b",
		CoherenceAtEmission: 0.9,
	}
}

func passingProof() memory.Proof {
	return memory.Proof{
		Coherence:              0.9,
		Entropy:                2.0,
		EntropyRate:            0.05,
		IdentityAxisValue:      0.5,
		ReconstructionFidelity: 0.95,
		Timestamp:              time.Now(),
	}
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t)

	w := request(t, srv, http.MethodGet, "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["node"] != "node-b" {
		t.Fatalf("health node = %v", body["node"])
	}

	w = request(t, srv, http.MethodGet, "/v1/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status = %d", w.Code)
	}
}

func TestFieldObjectLookup(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t)
	srv.field.AddObject(testObject("mem-1"), 0.9, 0.6)

	w := request(t, srv, http.MethodGet, "/v1/field/objects/mem-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", w.Code)
	}

	w = request(t, srv, http.MethodGet, "/v1/field/objects/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing lookup status = %d", w.Code)
	}

	w = request(t, srv, http.MethodGet, "/v1/field/stats", nil)
	body := decodeBody(t, w)
	if body["entries"] != float64(1) {
		t.Fatalf("stats entries = %v", body["entries"])
	}
}

func TestFieldQuery(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t)
	srv.field.AddObject(testObject("mem-1"), 0.9, 0.6)

	w := request(t, srv, http.MethodPost, "/v1/field/query", queryRequest{
		Target:     testObject("probe"),
		Threshold:  0.5,
		MaxResults: 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	results, ok := body["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("query results = %v", body["results"])
	}
}

func TestProposeQueuesOffline(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t)

	w := request(t, srv, http.MethodPost, "/v1/propose", proposeRequest{
		Object: testObject("mem-queued"),
		Proof:  passingProof(),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("propose status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != string(syncer.ProposalPending) {
		t.Fatalf("offline proposal status = %v", body["status"])
	}

	w = request(t, srv, http.MethodGet, "/v1/proposals", nil)
	list := decodeBody(t, w)["proposals"].([]any)
	if len(list) != 1 {
		t.Fatalf("proposal log length = %d", len(list))
	}
}

func TestProposeRejectsInvalidObject(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t)

	bad := testObject("mem-bad")
	bad.Amplitudes = bad.Amplitudes[:1]
	w := request(t, srv, http.MethodPost, "/v1/propose", proposeRequest{
		Object: bad,
		Proof:  passingProof(),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid propose status = %d", w.Code)
	}
}

func TestSyncLifecycleRoutes(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t)

	if w := request(t, srv, http.MethodPost, "/v1/sync/trigger", nil); w.Code != http.StatusConflict {
		t.Fatalf("disconnected trigger status = %d", w.Code)
	}
	if w := request(t, srv, http.MethodPost, "/v1/sync/connect", nil); w.Code != http.StatusOK {
		t.Fatalf("connect status = %d", w.Code)
	}
	if w := request(t, srv, http.MethodPost, "/v1/sync/connect", nil); w.Code != http.StatusConflict {
		t.Fatalf("double connect status = %d", w.Code)
	}
	if w := request(t, srv, http.MethodPost, "/v1/sync/trigger", nil); w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d, body %s", w.Code, w.Body.String())
	}

	w := request(t, srv, http.MethodGet, "/v1/sync/status", nil)
	body := decodeBody(t, w)
	if body["state"] != string(syncer.StateConnected) {
		t.Fatalf("sync state = %v", body["state"])
	}
}

func TestAdminTokenGuardsMutations(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	local := field.New("node-b", field.DefaultConfig())
	remote := field.New("node-a", field.DefaultConfig())
	ch := channel.New("node-b", "chan-1", testBasis, channel.DefaultOptions())
	remoteCh := channel.New("node-a", "chan-1", testBasis, channel.DefaultOptions())
	proto := commit.NewProtocol("node-b", ch, commit.DefaultConfig())
	sync := syncer.New("node-b", local, remote, ch, proto, remoteCh.LocalReference(), syncer.DefaultConfig(), nil)
	srv := Appear("node-b", ":0", nil, local, proto, sync)
	srv.RequireAdminToken(auth.StaticToken{Token: "secret"})
	srv.RegisterRoutes()

	w := request(t, srv, http.MethodPost, "/v1/propose", proposeRequest{
		Object: testObject("mem-guarded"),
		Proof:  passingProof(),
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated propose status = %d", w.Code)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(proposeRequest{
		Object: testObject("mem-guarded"),
		Proof:  passingProof(),
	}); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/propose", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "secret")
	rec := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("authenticated propose status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Reads stay open.
	if w := request(t, srv, http.MethodGet, "/v1/field/stats", nil); w.Code != http.StatusOK {
		t.Fatalf("guarded read status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t)
	w := request(t, srv, http.MethodGet, "/v1/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
}

func TestSyncUpdatesFieldGauges(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	local := field.New("node-g", field.DefaultConfig())
	remote := field.New("node-h", field.DefaultConfig())
	ch := channel.New("node-g", "chan-1", testBasis, channel.DefaultOptions())
	remoteCh := channel.New("node-h", "chan-1", testBasis, channel.DefaultOptions())
	proto := commit.NewProtocol("node-g", ch, commit.DefaultConfig())
	sync := syncer.New("node-g", local, remote, ch, proto, remoteCh.LocalReference(), syncer.DefaultConfig(), nil)
	srv := Appear("node-g", ":0", nil, local, proto, sync)
	srv.RegisterRoutes()

	remote.AddObject(testObject("mem-remote"), 0.9, 0.6)

	if w := request(t, srv, http.MethodPost, "/v1/sync/connect", nil); w.Code != http.StatusOK {
		t.Fatalf("connect status = %d", w.Code)
	}
	if w := request(t, srv, http.MethodPost, "/v1/sync/trigger", nil); w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d", w.Code)
	}

	w := request(t, srv, http.MethodGet, "/v1/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `fieldctl_field_entries{node="node-g"} 1`) {
		t.Fatalf("field entries gauge not exported after sync:\n%s", w.Body.String())
	}
}
