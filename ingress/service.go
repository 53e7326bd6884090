package ingress

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dws-network/dws-core/internal/log"
	"github.com/dws-network/dws-core/internal/metrics"
)

// Dispatcher forwards a matched request to a backend. worker/
// container/service implementations call into the internal platform;
// static serves a content-addressed fetch; redirect is handled
// directly by the Service and never reaches a Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, backend Backend, forwardPath string, r *http.Request) (status int, body []byte, contentType string, err error)
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, backend Backend, forwardPath string, r *http.Request) (int, []byte, string, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, backend Backend, forwardPath string, r *http.Request) (int, []byte, string, error) {
	return f(ctx, backend, forwardPath, r)
}

// Config wires a Service to its routing table, rate limiter, and
// backend dispatchers (base spec §4.7).
type Config struct {
	Rules       *RuleTable
	RateLimiter *RateLimiter
	Dispatchers map[BackendType]Dispatcher

	Metrics *metrics.Registry
	Logger  *log.Logger
}

// Service is the HTTP entry point implementing base spec §4.7's
// request pipeline: rule lookup, rate limit, auth header presence,
// backend dispatch.
type Service struct {
	cfg    Config
	logger *log.Logger
}

// New creates a Service from cfg.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{cfg: cfg, logger: logger.Module("ingress")}
}

// ServeHTTP implements the full base spec §4.7 pipeline as a
// net/http.Handler so the service can sit directly behind a listener.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	match, ok := s.cfg.Rules.MatchPath(r.Host, r.URL.Path)
	if !ok {
		s.recordStatus(http.StatusNotFound)
		http.NotFound(w, r)
		return
	}

	if match.Rule.RateLimit != nil && s.cfg.RateLimiter != nil {
		clientID := ClientID(r.Header.Get("X-Real-IP"), r.Header.Get("CF-Connecting-IP"), splitForwardedFor(r.Header.Get("X-Forwarded-For")))
		if !s.cfg.RateLimiter.Allow(r.Context(), clientID, match.Rule.RateLimit.RequestsPerSecond) {
			s.recordStatus(http.StatusTooManyRequests)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	if match.Rule.Auth != nil {
		ok, status, challenge := CheckAuth(*match.Rule.Auth, r.Header)
		if !ok {
			s.recordStatus(status)
			w.Header().Set("WWW-Authenticate", challenge)
			http.Error(w, "unauthorized", status)
			return
		}
	}

	s.dispatch(w, r, match)
}

func (s *Service) dispatch(w http.ResponseWriter, r *http.Request, match MatchResult) {
	backend := match.Path.Backend
	if backend.Type == BackendRedirect {
		s.recordStatus(http.StatusFound)
		http.Redirect(w, r, backend.Target, http.StatusFound)
		return
	}
	dispatcher, ok := s.cfg.Dispatchers[backend.Type]
	if !ok {
		s.recordStatus(http.StatusBadGateway)
		http.Error(w, "no dispatcher configured for backend type", http.StatusBadGateway)
		return
	}
	status, body, contentType, err := dispatcher.Dispatch(r.Context(), backend, match.ForwardPath, r)
	if err != nil {
		s.logger.Warn("backend dispatch failed", "backend", backend.Target, "error", err)
		s.recordStatus(http.StatusBadGateway)
		http.Error(w, "backend error", http.StatusBadGateway)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	s.recordStatus(status)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Service) recordStatus(status int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IngressRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

func splitForwardedFor(header string) []string {
	if header == "" {
		return nil
	}
	out := []string{}
	start := 0
	for i := 0; i <= len(header); i++ {
		if i == len(header) || header[i] == ',' {
			part := header[start:i]
			for len(part) > 0 && part[0] == ' ' {
				part = part[1:]
			}
			for len(part) > 0 && part[len(part)-1] == ' ' {
				part = part[:len(part)-1]
			}
			out = append(out, part)
			start = i + 1
		}
	}
	return out
}
