// Package ingress implements the HTTP entry point to internal
// backends: host/path routing, distributed rate limiting, and
// presence-only auth-header checks (base spec §4.7). Routing is
// modeled on datum-cloud-network-services-operator's Gateway-API-style
// HTTPRoute path-match precedence.
package ingress

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// PathType selects how PathRule.Path is compared against the request
// path.
type PathType string

const (
	PathExact  PathType = "Exact"
	PathPrefix PathType = "Prefix"
	PathRegex  PathType = "Regex"
)

// BackendType selects how a matched request is dispatched.
type BackendType string

const (
	BackendWorker    BackendType = "worker"
	BackendContainer BackendType = "container"
	BackendService   BackendType = "service"
	BackendStatic    BackendType = "static"
	BackendRedirect  BackendType = "redirect"
)

// Backend names the internal target a matched path forwards to.
type Backend struct {
	Type   BackendType
	Target string // callable id, content address, or redirect URL depending on Type
}

// RateLimitSpec configures the token/fixed-window limiter applied to
// requests matching a rule (base spec §4.7 step 2).
type RateLimitSpec struct {
	RequestsPerSecond float64
}

// AuthType selects which credential-presence check an AuthSpec asserts.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthJWT    AuthType = "jwt"
	AuthX402   AuthType = "x402"
)

// AuthSpec gates a rule's paths on a well-formed credential header
// being present (base spec §4.7 step 3; credential validation itself
// is delegated upstream).
type AuthSpec struct {
	Type AuthType
}

// PathRule is one routable path within an IngressRule's host (base
// spec §3 "IngressRule").
type PathRule struct {
	Path     string
	PathType PathType
	Backend  Backend
	Rewrite  string // optional replacement; Path, compiled as a regexp, is replaced by it in the request path before forwarding
	Timeout  float64

	compiled *regexp.Regexp // memoized for PathType == PathRegex
}

// IngressRule binds a host to an ordered list of path rules plus
// optional TLS/rate-limit/auth configuration (base spec §3
// "IngressRule"). Invariant: host -> ruleId is a partial function.
type IngressRule struct {
	ID        string
	Host      string
	Paths     []PathRule
	TLS       bool
	RateLimit *RateLimitSpec
	Auth      *AuthSpec
}

// RuleTable is the host->rule binding table (base spec §4.7 "Rule
// table").
type RuleTable struct {
	mu        sync.RWMutex
	byHost    map[string]string // host -> ruleId
	rules     map[string]*IngressRule
}

// NewRuleTable creates an empty rule table.
func NewRuleTable() *RuleTable {
	return &RuleTable{
		byHost: make(map[string]string),
		rules:  make(map[string]*IngressRule),
	}
}

// CreateIngress registers rule, failing if rule.Host is already bound
// to a different rule (base spec §4.7 "createIngress fails if host
// already bound").
func (t *RuleTable) CreateIngress(rule IngressRule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byHost[rule.Host]; ok && existing != rule.ID {
		return fmt.Errorf("ingress: host %q is already bound to rule %q", rule.Host, existing)
	}
	for i := range rule.Paths {
		if rule.Paths[i].PathType == PathRegex {
			re, err := regexp.Compile(rule.Paths[i].Path)
			if err != nil {
				return fmt.Errorf("ingress: compiling regex path %q: %w", rule.Paths[i].Path, err)
			}
			rule.Paths[i].compiled = re
		}
	}
	stored := rule
	t.rules[rule.ID] = &stored
	t.byHost[rule.Host] = rule.ID
	return nil
}

// DeleteIngress removes a rule and frees its host binding.
func (t *RuleTable) DeleteIngress(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rule, ok := t.rules[id]
	if !ok {
		return
	}
	if t.byHost[rule.Host] == id {
		delete(t.byHost, rule.Host)
	}
	delete(t.rules, id)
}

// Lookup returns the rule bound to host, if any.
func (t *RuleTable) Lookup(host string) (*IngressRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byHost[host]
	if !ok {
		return nil, false
	}
	rule := t.rules[id]
	return rule, rule != nil
}

// MatchResult is the path rule a request resolved to, plus its
// (possibly rewritten) forward path.
type MatchResult struct {
	Rule        *IngressRule
	Path        *PathRule
	ForwardPath string
}

// MatchPath finds (host, path)'s first matching PathRule in
// declaration order, per base spec §4.7 ("Paths evaluated in
// declaration order; first match wins"). Open question (base spec §9,
// left undecided): a broad Prefix rule declared before a narrower
// Exact rule will shadow it under first-match-wins semantics; this
// mirrors real Gateway-API/NGINX ingress controllers' documented
// footgun rather than silently reordering by specificity.
func (t *RuleTable) MatchPath(host, path string) (MatchResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byHost[host]
	if !ok {
		return MatchResult{}, false
	}
	rule := t.rules[id]
	if rule == nil {
		return MatchResult{}, false
	}
	for i := range rule.Paths {
		pr := &rule.Paths[i]
		if !matchesPath(*pr, path) {
			continue
		}
		forward := path
		if pr.Rewrite != "" {
			forward = rewritePath(*pr, path)
		}
		return MatchResult{Rule: rule, Path: pr, ForwardPath: forward}, true
	}
	return MatchResult{}, false
}

func matchesPath(pr PathRule, path string) bool {
	switch pr.PathType {
	case PathExact:
		return pr.Path == path
	case PathPrefix:
		return strings.HasPrefix(path, pr.Path)
	case PathRegex:
		if pr.compiled == nil {
			re, err := regexp.Compile(pr.Path)
			if err != nil {
				return false
			}
			return re.MatchString(path)
		}
		return pr.compiled.MatchString(path)
	default:
		return false
	}
}

func rewritePath(pr PathRule, path string) string {
	re := pr.compiled
	if re == nil {
		var err error
		re, err = regexp.Compile(pr.Path)
		if err != nil {
			return path
		}
	}
	return re.ReplaceAllString(path, pr.Rewrite)
}
