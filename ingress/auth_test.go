package ingress

import (
	"net/http"
	"testing"
)

func TestCheckAuthNone(t *testing.T) {
	ok, _, _ := CheckAuth(AuthSpec{Type: AuthNone}, http.Header{})
	if !ok {
		t.Fatalf("expected AuthNone to always pass")
	}
}

func TestCheckAuthBearerRequiresHeader(t *testing.T) {
	spec := AuthSpec{Type: AuthBearer}
	if ok, status, _ := CheckAuth(spec, http.Header{}); ok || status != http.StatusUnauthorized {
		t.Fatalf("expected missing Authorization header to fail with 401, got ok=%v status=%d", ok, status)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer abc123")
	if ok, _, _ := CheckAuth(spec, h); !ok {
		t.Fatalf("expected well-formed bearer header to pass")
	}
}

func TestCheckAuthX402RequiresPaymentHeader(t *testing.T) {
	spec := AuthSpec{Type: AuthX402}
	if ok, _, challenge := CheckAuth(spec, http.Header{}); ok || challenge == "" {
		t.Fatalf("expected missing X-402-Payment to fail with a challenge")
	}
	h := http.Header{}
	h.Set("X-402-Payment", "token")
	if ok, _, _ := CheckAuth(spec, h); !ok {
		t.Fatalf("expected present X-402-Payment to pass")
	}
}

func TestCheckAuthBasicRejectsWrongScheme(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abc123")
	if ok, _, _ := CheckAuth(AuthSpec{Type: AuthBasic}, h); ok {
		t.Fatalf("expected Basic check to reject a Bearer-scheme header")
	}
}
