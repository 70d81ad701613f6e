package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sollol/sollol/health"
	"github.com/sollol/sollol/intelligence"
	"github.com/sollol/sollol/pool"
	"github.com/sollol/sollol/router"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// fakeOllamaNode answers just enough of the Ollama API for routing.
func fakeOllamaNode(t *testing.T) pool.Node {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"version": "0.5.0"})
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "llama3.2",
			"message": map[string]any{"role": "assistant", "content": "hello back"},
			"done":    true,
		})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"model": "llama3.2", "response": "text", "done": true})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"model": "nomic-embed-text", "embeddings": [][]float64{{0.1}}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatal(err)
	}
	return pool.NewNode(host, port)
}

func testHandler(t *testing.T, nodes ...pool.Node) http.Handler {
	t.Helper()

	registry := pool.NewRegistry()
	for _, n := range nodes {
		registry.Add(n)
	}
	core := router.New(registry, health.NewMonitor(), intelligence.NewLearningStore(), nil, nil)
	return NewServer(core).GenerateRoutes()
}

func TestBanner(t *testing.T) {
	h := testHandler(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "SOLLOL is running" {
		t.Errorf("body = %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("HEAD / status = %d", w.Code)
	}
}

func TestVersionRoute(t *testing.T) {
	h := testHandler(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] == "" {
		t.Error("version should not be empty")
	}
}

func TestChatThroughPool(t *testing.T) {
	h := testHandler(t, fakeOllamaNode(t))

	body := strings.NewReader(`{"model":"llama3.2","messages":[{"role":"user","content":"hi"}]}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header missing")
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	msg := resp["message"].(map[string]any)
	if msg["content"] != "hello back" {
		t.Errorf("content = %v", msg["content"])
	}

	routing, ok := resp["_routing"].(map[string]any)
	if !ok {
		t.Fatal("_routing block missing")
	}
	if routing["backend"] != "pool" {
		t.Errorf("backend = %v, want pool", routing["backend"])
	}
	if routing["request_id"] == "" {
		t.Error("request_id missing from routing block")
	}
}

func TestChatBadPayload(t *testing.T) {
	h := testHandler(t, fakeOllamaNode(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("not json")))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["kind"] != "bad_request" {
		t.Errorf("kind = %v, want bad_request", resp["kind"])
	}
}

func TestChatNoCapacity(t *testing.T) {
	h := testHandler(t)

	body := strings.NewReader(`{"model":"llama3.2","messages":[{"role":"user","content":"hi"}]}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", body))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["kind"] != "no_capacity" {
		t.Errorf("kind = %v, want no_capacity", resp["kind"])
	}
}

func TestHealthRoute(t *testing.T) {
	h := testHandler(t, fakeOllamaNode(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["service"] != "SOLLOL" {
		t.Errorf("service = %v", resp["service"])
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestHealthRouteUnhealthy(t *testing.T) {
	h := testHandler(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with no nodes", w.Code)
	}
}

func TestStatsRoute(t *testing.T) {
	h := testHandler(t, fakeOllamaNode(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, ok := resp["hosts"]; !ok {
		t.Error("stats should list hosts")
	}
	if _, ok := resp["routing_intelligence"]; !ok {
		t.Error("stats should include routing intelligence")
	}
}

func TestMetricsRoute(t *testing.T) {
	h := testHandler(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_") {
		t.Error("expected prometheus output")
	}
}
