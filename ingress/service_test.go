package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServiceServeHTTPNotFound(t *testing.T) {
	svc := New(Config{Rules: NewRuleTable()})
	req := httptest.NewRequest(http.MethodGet, "http://unknown.dws.local/", nil)
	w := httptest.NewRecorder()
	svc.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestServiceServeHTTPDispatchesToBackend(t *testing.T) {
	table := NewRuleTable()
	if err := table.CreateIngress(IngressRule{
		ID:   "a",
		Host: "api.dws.local",
		Paths: []PathRule{
			{Path: "/", PathType: PathPrefix, Backend: Backend{Type: BackendService, Target: "svc-a"}},
		},
	}); err != nil {
		t.Fatalf("CreateIngress: %v", err)
	}

	var gotTarget string
	dispatcher := DispatcherFunc(func(ctx context.Context, backend Backend, forwardPath string, r *http.Request) (int, []byte, string, error) {
		gotTarget = backend.Target
		return http.StatusOK, []byte("hello"), "text/plain", nil
	})
	svc := New(Config{
		Rules:       table,
		Dispatchers: map[BackendType]Dispatcher{BackendService: dispatcher},
	})

	req := httptest.NewRequest(http.MethodGet, "http://api.dws.local/anything", nil)
	w := httptest.NewRecorder()
	svc.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "hello" {
		t.Fatalf("body = %q, want hello", w.Body.String())
	}
	if gotTarget != "svc-a" {
		t.Fatalf("dispatched target = %q, want svc-a", gotTarget)
	}
}

func TestServiceServeHTTPRedirectsWithoutDispatcher(t *testing.T) {
	table := NewRuleTable()
	if err := table.CreateIngress(IngressRule{
		ID:   "a",
		Host: "api.dws.local",
		Paths: []PathRule{
			{Path: "/old", PathType: PathExact, Backend: Backend{Type: BackendRedirect, Target: "https://new.dws.local/"}},
		},
	}); err != nil {
		t.Fatalf("CreateIngress: %v", err)
	}
	svc := New(Config{Rules: table})
	req := httptest.NewRequest(http.MethodGet, "http://api.dws.local/old", nil)
	w := httptest.NewRecorder()
	svc.ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://new.dws.local/" {
		t.Fatalf("Location = %q, want https://new.dws.local/", loc)
	}
}

func TestServiceServeHTTPRateLimited(t *testing.T) {
	table := NewRuleTable()
	if err := table.CreateIngress(IngressRule{
		ID:   "a",
		Host: "api.dws.local",
		Paths: []PathRule{
			{Path: "/", PathType: PathPrefix, Backend: Backend{Type: BackendService, Target: "svc-a"}},
		},
		RateLimit: &RateLimitSpec{RequestsPerSecond: float64(1) / 60}, // maxPerWindow = 1
	}); err != nil {
		t.Fatalf("CreateIngress: %v", err)
	}
	dispatcher := DispatcherFunc(func(ctx context.Context, backend Backend, forwardPath string, r *http.Request) (int, []byte, string, error) {
		return http.StatusOK, nil, "", nil
	})
	svc := New(Config{
		Rules:       table,
		RateLimiter: NewRateLimiter(nil),
		Dispatchers: map[BackendType]Dispatcher{BackendService: dispatcher},
	})

	req := func() *http.Request { return httptest.NewRequest(http.MethodGet, "http://api.dws.local/", nil) }

	w1 := httptest.NewRecorder()
	svc.ServeHTTP(w1, req())
	if w1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w1.Code)
	}

	w2 := httptest.NewRecorder()
	svc.ServeHTTP(w2, req())
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w2.Code)
	}
}

func TestServiceServeHTTPAuthChallenge(t *testing.T) {
	table := NewRuleTable()
	if err := table.CreateIngress(IngressRule{
		ID:   "a",
		Host: "api.dws.local",
		Paths: []PathRule{
			{Path: "/", PathType: PathPrefix, Backend: Backend{Type: BackendService, Target: "svc-a"}},
		},
		Auth: &AuthSpec{Type: AuthBearer},
	}); err != nil {
		t.Fatalf("CreateIngress: %v", err)
	}
	svc := New(Config{Rules: table})
	req := httptest.NewRequest(http.MethodGet, "http://api.dws.local/", nil)
	w := httptest.NewRecorder()
	svc.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate challenge header")
	}
}
