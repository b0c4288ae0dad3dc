package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"intraday-core/internal/config"
	"intraday-core/internal/diag"
	"intraday-core/internal/feed"
	"intraday-core/internal/market"
	"intraday-core/internal/strategy"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := config.NewStore(context.Background(), strategy.Defaults(), strategy.StructuralKeys, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	recorder := diag.NewRecorder(50)
	manager := feed.NewManager(feed.Options{
		Store:    store,
		Recorder: recorder,
		Location: time.FixedZone("IST", 5*3600+30*60),
		NewConn:  func() (market.Conn, error) { return nil, nil },
	})
	return NewServer(manager, store, recorder, nil,
		SystemMeta{DryRun: true, Exchange: "NSE", Version: "test"},
		"test-secret", "operator-key")
}

// clientSeq hands each request its own source address so the per-IP
// rate limiter never throttles unrelated tests.
var clientSeq atomic.Uint32

func doJSON(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = fmt.Sprintf("198.51.100.%d:1234", clientSeq.Add(1)%200+10)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func loginToken(t *testing.T, s *Server) string {
	t.Helper()
	w := doJSON(s, http.MethodPost, "/api/auth/login", "", map[string]string{"key": "operator-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("bad login response: %s", w.Body.String())
	}
	return resp.Token
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestLoginRejectsWrongKey(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(s, http.MethodPost, "/api/auth/login", "", map[string]string{"key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(s, http.MethodGet, "/api/config", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	w = doJSON(s, http.MethodGet, "/api/config", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status with garbage token = %d, want 401", w.Code)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doJSON(s, http.MethodGet, "/api/config", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get config status = %d", w.Code)
	}

	w = doJSON(s, http.MethodPost, "/api/config", token, map[string]any{
		"target_pct":  0.004,
		"no_such_key": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("post config status = %d: %s", w.Code, w.Body.String())
	}
	var res config.ApplyResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.RebuildRequired {
		t.Fatal("live change reported rebuild")
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != "no_such_key" {
		t.Fatalf("dropped = %v, want [no_such_key]", res.Dropped)
	}

	// A structural key reports rebuild_required.
	w = doJSON(s, http.MethodPost, "/api/config", token, map[string]any{"momentum_window": 40})
	if w.Code != http.StatusOK {
		t.Fatalf("post structural status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.RebuildRequired {
		t.Fatal("structural change did not report rebuild")
	}

	w = doJSON(s, http.MethodDelete, "/api/config", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}
}

func TestFeedStatusAndStoppedValidation(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doJSON(s, http.MethodGet, "/api/feed/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st feed.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Running {
		t.Fatal("fresh manager reports running")
	}

	// Square-off with no engines conflicts.
	w = doJSON(s, http.MethodPost, "/api/squareoff", token, map[string]string{"symbol": "all"})
	if w.Code != http.StatusConflict {
		t.Fatalf("squareoff status = %d, want 409", w.Code)
	}

	// Start with an empty token map is a bad request.
	w = doJSON(s, http.MethodPost, "/api/feed/start", token, map[string]any{"tokens": map[string]uint32{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("start status = %d, want 400", w.Code)
	}
}

func TestResponsesCarryRequestID(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/health", "", nil)
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Fatal("response missing X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "trace-me" {
		t.Fatalf("request ID not echoed, got %q", got)
	}
}

func TestRateLimitRejectsBursts(t *testing.T) {
	s := newTestServer(t)

	limited := 0
	for i := 0; i < requestBurst+10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		w := httptest.NewRecorder()
		s.Router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Fatal("burst past the limit was never rejected")
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	s.Recorder.Record("TCS", diag.Snapshot{Symbol: "TCS", Price: 3500, Decision: "HOLD",
		Position: diag.Position{State: "FLAT"}})

	w := doJSON(s, http.MethodGet, "/api/diagnostics?symbol=TCS&n=5", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("diagnostics status = %d", w.Code)
	}
	var resp struct {
		Symbol    string          `json:"symbol"`
		Snapshots []diag.Snapshot `json:"snapshots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Snapshots) != 1 || resp.Snapshots[0].Price != 3500 {
		t.Fatalf("snapshots = %+v", resp.Snapshots)
	}
}
