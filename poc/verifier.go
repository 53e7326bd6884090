package poc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dws-network/dws-core/internal/events"
	"github.com/dws-network/dws-core/internal/log"
	"github.com/dws-network/dws-core/internal/metrics"
)

// defaultCacheTTL is cacheTtlMs's default (base spec §4.8 step 8).
const defaultCacheTTL = 5 * time.Minute

// batchConcurrency bounds VerifyNodes' concurrent in-flight
// verifications (base spec §4.8 "BATCH_CONCURRENCY=5").
const batchConcurrency = 5

// quotePrefixLen is how much of the raw quote string participates in
// the cache/dedup key (base spec §4.8 "agentId:quote[0..66]").
const quotePrefixLen = 66

// ReputationUpdater applies a reputation delta to a peer; satisfied by
// p2p/peerstore.Store via a small adapter so this package stays
// decoupled from the peer store's concrete types (the same
// interface-at-point-of-use idiom as discover.Dialer / gossip.Sender).
type ReputationUpdater interface {
	ApplyReputationDelta(peerID string, delta float64) error
}

type cacheEntry struct {
	result    VerificationResult
	expiresAt time.Time
}

// Config wires a Verifier to its collaborators.
type Config struct {
	Parser     QuoteParser
	Registry   RegistryClient
	Reputation ReputationUpdater
	Events     *events.Bus
	Metrics    *metrics.Registry
	Logger     *log.Logger
	SaltHex    string
	CacheTTL   time.Duration
}

// Verifier implements verifyNode/verifyNodes (base spec §4.8),
// single-flight deduped per (agentId, quote-prefix) via
// golang.org/x/sync/singleflight (the idiomatic replacement for the
// "promise deduplication" design note in base spec §9) and cached with
// a TTL.
type Verifier struct {
	cfg Config

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Verifier from cfg.
func New(cfg Config) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	cfg.Logger = cfg.Logger.Module("poc")
	if cfg.Events == nil {
		cfg.Events = events.NewBus(cfg.Logger)
	}
	return &Verifier{cfg: cfg, cache: make(map[string]cacheEntry)}
}

func dedupKey(agentID, quoteHex string) string {
	prefix := quoteHex
	if len(prefix) > quotePrefixLen {
		prefix = prefix[:quotePrefixLen]
	}
	return agentID + ":" + prefix
}

// VerifyNode implements base spec §4.8's full pipeline.
func (v *Verifier) VerifyNode(ctx context.Context, agentID, quoteHex, expectedMeasurement string) (VerificationResult, error) {
	key := dedupKey(agentID, quoteHex)

	if cached, ok := v.cacheGet(key); ok {
		return cached, nil
	}

	resAny, err, _ := v.group.Do(key, func() (any, error) {
		result := v.verifyUncached(ctx, agentID, quoteHex, expectedMeasurement)
		return result, nil
	})
	if err != nil {
		return VerificationResult{}, err
	}
	return resAny.(VerificationResult), nil
}

func (v *Verifier) cacheGet(key string) (VerificationResult, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return VerificationResult{}, false
	}
	return entry.result, true
}

func (v *Verifier) cachePut(key string, result VerificationResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[key] = cacheEntry{result: result, expiresAt: time.Now().Add(v.cfg.CacheTTL)}
}

func (v *Verifier) verifyUncached(ctx context.Context, agentID, quoteHex, expectedMeasurement string) VerificationResult {
	key := dedupKey(agentID, quoteHex)

	parsed := v.cfg.Parser.Parse(quoteHex)
	if !parsed.Success {
		return v.fail(agentID, fmt.Sprintf("parse failed: %s", parsed.Error))
	}

	qv := v.cfg.Parser.Verify(parsed.Quote, expectedMeasurement)
	if !qv.Valid {
		return v.fail(agentID, fmt.Sprintf("quote verification failed: %s", qv.Error))
	}

	hardwareIDHash, err := HashHardwareID(parsed.Quote.HardwareID, v.cfg.SaltHex)
	if err != nil {
		return v.fail(agentID, fmt.Sprintf("hashing hardware id: %v", err))
	}

	entry, err := checkHardwareWithBackoff(ctx, v.cfg.Registry, hardwareIDHash)
	if err != nil {
		return v.fail(agentID, fmt.Sprintf("registry error: %v", err))
	}

	if entry == nil {
		result := VerificationResult{
			Verified:        false,
			HardwareIDHash:  hardwareIDHash,
			ReputationDelta: deltaNotRegistered,
			Error:           "Hardware not registered in cloud alliance",
		}
		v.applyReputation(agentID, result.ReputationDelta)
		v.observe("not_registered")
		// Not cached per base spec §4.8 step 6.
		return result
	}

	if entry.Revoked || !entry.Active {
		result := VerificationResult{
			Verified:        false,
			HardwareIDHash:  hardwareIDHash,
			CloudProvider:   entry.CloudProvider,
			Region:          entry.Region,
			ReputationDelta: deltaRevoked,
			Error:           "hardware registration revoked",
		}
		v.applyReputation(agentID, result.ReputationDelta)
		v.cfg.Events.Emit("poc_failed", result)
		v.observe("revoked")
		// Not cached per base spec §4.8 step 7.
		return result
	}

	level := entry.Level
	result := VerificationResult{
		Verified:        true,
		Level:           &level,
		HardwareIDHash:  hardwareIDHash,
		CloudProvider:   entry.CloudProvider,
		Region:          entry.Region,
		Score:           float64(level),
		ReputationDelta: levelDelta(level),
	}
	v.applyReputation(agentID, result.ReputationDelta)
	v.cachePut(key, result)
	v.cfg.Events.Emit("poc_verified", result)
	v.observe("verified")
	return result
}

func (v *Verifier) observe(outcome string) {
	if v.cfg.Metrics != nil {
		v.cfg.Metrics.PoCVerifications.WithLabelValues(outcome).Inc()
	}
}

func (v *Verifier) fail(agentID, reason string) VerificationResult {
	result := VerificationResult{
		Verified:        false,
		ReputationDelta: deltaFailed,
		Error:           reason,
	}
	v.applyReputation(agentID, result.ReputationDelta)
	v.cfg.Events.Emit("poc_failed", result)
	v.observe("failed")
	return result
}

func (v *Verifier) applyReputation(agentID string, delta float64) {
	if v.cfg.Reputation == nil || delta == 0 {
		return
	}
	if err := v.cfg.Reputation.ApplyReputationDelta(agentID, delta); err != nil {
		v.cfg.Logger.Warn("applying reputation delta failed", "agent", agentID, "delta", delta, "error", err)
	}
}

// BatchRequest is one (agentId, quote) pair submitted to VerifyNodes.
type BatchRequest struct {
	AgentID             string
	QuoteHex            string
	ExpectedMeasurement string
}

// BatchResult pairs a batch verification request with its outcome.
type BatchResult struct {
	AgentID string
	Result  VerificationResult
	Err     error
}

// VerifyNodes verifies a batch of (agentId, quote) pairs with at most
// batchConcurrency in flight at once (base spec §4.8 "verifyNodes").
func (v *Verifier) VerifyNodes(ctx context.Context, requests []BatchRequest) []BatchResult {
	out := make([]BatchResult, len(requests))
	sem := make(chan struct{}, batchConcurrency)
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req BatchRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			result, err := v.VerifyNode(ctx, req.AgentID, req.QuoteHex, req.ExpectedMeasurement)
			out[i] = BatchResult{AgentID: req.AgentID, Result: result, Err: err}
		}(i, req)
	}
	wg.Wait()
	return out
}
