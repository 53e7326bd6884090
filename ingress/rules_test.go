package ingress

import "testing"

func TestCreateIngressFailsOnHostConflict(t *testing.T) {
	table := NewRuleTable()
	if err := table.CreateIngress(IngressRule{ID: "a", Host: "api.dws.local"}); err != nil {
		t.Fatalf("first CreateIngress: %v", err)
	}
	if err := table.CreateIngress(IngressRule{ID: "b", Host: "api.dws.local"}); err == nil {
		t.Fatalf("expected second CreateIngress on same host to fail")
	}
}

func TestMatchPathFirstMatchWins(t *testing.T) {
	table := NewRuleTable()
	rule := IngressRule{
		ID:   "a",
		Host: "api.dws.local",
		Paths: []PathRule{
			{Path: "/v1", PathType: PathPrefix, Backend: Backend{Type: BackendService, Target: "prefix-backend"}},
			{Path: "/v1/status", PathType: PathExact, Backend: Backend{Type: BackendService, Target: "exact-backend"}},
		},
	}
	if err := table.CreateIngress(rule); err != nil {
		t.Fatalf("CreateIngress: %v", err)
	}
	match, ok := table.MatchPath("api.dws.local", "/v1/status")
	if !ok {
		t.Fatalf("expected a match")
	}
	if match.Path.Backend.Target != "prefix-backend" {
		t.Fatalf("expected the earlier Prefix rule to shadow the later Exact rule, got %q", match.Path.Backend.Target)
	}
}

func TestMatchPathTypes(t *testing.T) {
	table := NewRuleTable()
	rule := IngressRule{
		ID:   "a",
		Host: "api.dws.local",
		Paths: []PathRule{
			{Path: "/exact", PathType: PathExact, Backend: Backend{Type: BackendService, Target: "exact"}},
			{Path: "/prefix", PathType: PathPrefix, Backend: Backend{Type: BackendService, Target: "prefix"}},
			{Path: `^/regex/\d+$`, PathType: PathRegex, Backend: Backend{Type: BackendService, Target: "regex"}},
		},
	}
	if err := table.CreateIngress(rule); err != nil {
		t.Fatalf("CreateIngress: %v", err)
	}

	cases := []struct {
		path    string
		wantHit bool
		want    string
	}{
		{"/exact", true, "exact"},
		{"/exactly-not", false, ""},
		{"/prefix/sub/path", true, "prefix"},
		{"/regex/42", true, "regex"},
		{"/regex/abc", false, ""},
		{"/unmatched", false, ""},
	}
	for _, tc := range cases {
		match, ok := table.MatchPath("api.dws.local", tc.path)
		if ok != tc.wantHit {
			t.Fatalf("path %q: ok = %v, want %v", tc.path, ok, tc.wantHit)
		}
		if ok && match.Path.Backend.Target != tc.want {
			t.Fatalf("path %q: backend = %q, want %q", tc.path, match.Path.Backend.Target, tc.want)
		}
	}
}

func TestMatchPathMissOnUnknownHost(t *testing.T) {
	table := NewRuleTable()
	if _, ok := table.MatchPath("unknown.dws.local", "/"); ok {
		t.Fatalf("expected miss for unknown host")
	}
}

func TestMatchPathRewrite(t *testing.T) {
	table := NewRuleTable()
	rule := IngressRule{
		ID:   "a",
		Host: "api.dws.local",
		Paths: []PathRule{
			{
				Path:     `^/legacy/(.+)$`,
				PathType: PathRegex,
				Backend:  Backend{Type: BackendService, Target: "svc"},
				Rewrite:  "/v2/$1",
			},
		},
	}
	if err := table.CreateIngress(rule); err != nil {
		t.Fatalf("CreateIngress: %v", err)
	}
	match, ok := table.MatchPath("api.dws.local", "/legacy/widgets")
	if !ok {
		t.Fatalf("expected match")
	}
	if match.ForwardPath != "/v2/widgets" {
		t.Fatalf("ForwardPath = %q, want /v2/widgets", match.ForwardPath)
	}
}

func TestDeleteIngressFreesHost(t *testing.T) {
	table := NewRuleTable()
	if err := table.CreateIngress(IngressRule{ID: "a", Host: "api.dws.local"}); err != nil {
		t.Fatalf("CreateIngress: %v", err)
	}
	table.DeleteIngress("a")
	if err := table.CreateIngress(IngressRule{ID: "b", Host: "api.dws.local"}); err != nil {
		t.Fatalf("expected host to be reusable after delete: %v", err)
	}
}
