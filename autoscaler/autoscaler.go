package autoscaler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dws-network/dws-core/internal/log"
	"github.com/dws-network/dws-core/internal/metrics"
)

// metricWindowSeconds is the moving-average window used for the
// current-value measurement (base spec §4.5 step 2).
const metricWindowSeconds = 60

// maxHistory bounds the retained decision history (base spec §4.5 step 7).
const maxHistory = 100

// Config wires an Autoscaler to its collaborators and tick interval.
type Config struct {
	Interval      time.Duration // default 15s
	Collector     *MetricCollector
	ScaleCallback ScaleCallback
	NodeCallback  NodeCallback
	Metrics       *metrics.Registry
	Logger        *log.Logger
}

// Autoscaler evaluates enabled ScalingPolicy entries on a fixed tick,
// serializing decisions per-policy, and separately reconciles
// NodePool capacity against the replica demand of its bound policies
// (base spec §4.5).
type Autoscaler struct {
	interval      time.Duration
	collector     *MetricCollector
	scaleCallback ScaleCallback
	nodeCallback  NodeCallback
	metricsReg    *metrics.Registry
	logger        *log.Logger

	mu       sync.Mutex
	policies map[string]*ScalingPolicy
	pools    map[string]*NodePool
	perRepl  map[string]PerReplicaResource // targetId -> per-replica resource footprint
	history  []Decision

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an Autoscaler, applying base-spec defaults.
func New(cfg Config) *Autoscaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Collector == nil {
		cfg.Collector = NewMetricCollector()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Module("autoscaler")
	} else {
		logger = logger.Module("autoscaler")
	}
	return &Autoscaler{
		interval:      cfg.Interval,
		collector:     cfg.Collector,
		scaleCallback: cfg.ScaleCallback,
		nodeCallback:  cfg.NodeCallback,
		metricsReg:    cfg.Metrics,
		logger:        logger,
		policies:      make(map[string]*ScalingPolicy),
		pools:         make(map[string]*NodePool),
		perRepl:       make(map[string]PerReplicaResource),
	}
}

// RegisterPolicy adds or replaces a ScalingPolicy.
func (a *Autoscaler) RegisterPolicy(p *ScalingPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.MaxReplicas < p.MinReplicas {
		p.MaxReplicas = p.MinReplicas
	}
	a.policies[p.PolicyID] = p
}

// RegisterNodePool adds or replaces a NodePool definition.
func (a *Autoscaler) RegisterNodePool(pool *NodePool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[pool.PoolID] = pool
}

// SetPerReplicaResource records the CPU/memory footprint of one
// replica of targetID, used in node-pool demand estimation.
func (a *Autoscaler) SetPerReplicaResource(targetID string, r PerReplicaResource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.perRepl[targetID] = r
}

// RecordMetric feeds a raw sample into the collector for a target's metric.
func (a *Autoscaler) RecordMetric(targetID, metricType string, value float64) {
	a.collector.Record(targetID, metricType, value)
}

// Start launches the evaluation loop.
func (a *Autoscaler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(ctx)
}

// Stop halts the evaluation loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
	})
}

func (a *Autoscaler) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Tick evaluates every enabled policy once, then reconciles node
// pools. Policies are evaluated one after another on the calling
// goroutine, and the loop calls Tick from a single goroutine, so two
// decisions for the same policy never overlap (base spec §5
// "Ordering guarantees").
func (a *Autoscaler) Tick() {
	a.mu.Lock()
	policyIDs := make([]string, 0, len(a.policies))
	for id := range a.policies {
		policyIDs = append(policyIDs, id)
	}
	sort.Strings(policyIDs)
	a.mu.Unlock()

	for _, id := range policyIDs {
		a.evaluatePolicy(id)
	}
	a.reconcileNodePools()
}

// evaluatePolicy runs the §4.5 evaluation steps 1-7 for one policy.
func (a *Autoscaler) evaluatePolicy(policyID string) {
	a.mu.Lock()
	p, ok := a.policies[policyID]
	if !ok || !p.Enabled {
		a.mu.Unlock()
		return
	}
	now := time.Now()

	if !p.LastScaleTime.IsZero() && now.Sub(p.LastScaleTime) < time.Duration(p.CooldownSeconds)*time.Second {
		a.mu.Unlock()
		return
	}

	weightedSum := 0.0
	weightTotal := 0.0
	for _, m := range p.Metrics {
		current, ok := a.collector.GetAverage(p.TargetID, m.Type, metricWindowSeconds)
		if !ok {
			continue
		}
		if m.Target == 0 {
			continue
		}
		weightedSum += (current / m.Target) * m.Weight
		weightTotal += m.Weight
	}
	if weightTotal == 0 {
		a.mu.Unlock()
		return
	}
	ratio := weightedSum / weightTotal

	// REDESIGN FLAG ack: ceil(current*ratio) adds at least one replica
	// for any ratio just above 1.0 (currentReplicas=1 always becomes 2);
	// see DESIGN.md Open Question disposition for why this is kept as
	// specified.
	rawDesired := int(math.Ceil(float64(p.CurrentReplicas) * ratio))

	effectiveMin := p.EffectiveMin()
	if rawDesired < effectiveMin {
		rawDesired = effectiveMin
	}
	if rawDesired > p.MaxReplicas {
		rawDesired = p.MaxReplicas
	}

	current := p.CurrentReplicas
	desired := current
	direction := DirectionNone
	switch {
	case rawDesired > current:
		delta := applyBehavior(p.ScaleUpBehavior, current, rawDesired-current)
		desired = current + delta
		if delta > 0 {
			direction = DirectionUp
		}
	case rawDesired < current:
		delta := applyBehavior(p.ScaleDownBehavior, current, current-rawDesired)
		desired = current - delta
		if delta > 0 {
			direction = DirectionDown
		}
	}

	targetID, targetType := p.TargetID, p.TargetType
	cb := a.scaleCallback
	a.mu.Unlock()

	if direction == DirectionNone {
		return
	}

	decision := Decision{
		PolicyID: policyID, TargetID: targetID, TargetType: targetType,
		Direction: direction, PreviousReplicas: current, DesiredReplicas: desired,
		Ratio: ratio, Timestamp: now,
	}

	if cb == nil {
		decision.Error = "no scale callback configured"
		a.recordDecision(decision)
		return
	}
	if err := cb(targetID, targetType, desired); err != nil {
		decision.Error = err.Error()
		a.recordDecision(decision)
		return
	}

	a.mu.Lock()
	if live, ok := a.policies[policyID]; ok {
		live.CurrentReplicas = desired
		live.LastScaleTime = now
	}
	a.mu.Unlock()

	if a.metricsReg != nil {
		a.metricsReg.ScalingDecisions.WithLabelValues(string(targetType), string(direction)).Inc()
	}
	a.recordDecision(decision)
}

// applyBehavior bounds a requested delta by the pods/percent ×
// periodSeconds policy entries, combined via selectPolicy (base spec
// §4.5 step 6, §3 "ScalingBehavior").
func applyBehavior(b ScalingBehavior, current, requestedDelta int) int {
	if b.SelectPolicy == SelectDisabled || len(b.Policies) == 0 {
		if b.SelectPolicy == SelectDisabled {
			return 0
		}
		return requestedDelta
	}

	limits := make([]int, 0, len(b.Policies))
	for _, entry := range b.Policies {
		var limit float64
		switch entry.Type {
		case BehaviorPods:
			limit = entry.Value
		case BehaviorPercent:
			limit = float64(current) * entry.Value / 100.0
		}
		limits = append(limits, int(math.Ceil(limit)))
	}

	var bounded int
	switch b.SelectPolicy {
	case SelectMin:
		bounded = limits[0]
		for _, l := range limits[1:] {
			if l < bounded {
				bounded = l
			}
		}
	default: // SelectMax
		bounded = limits[0]
		for _, l := range limits[1:] {
			if l > bounded {
				bounded = l
			}
		}
	}
	if bounded < 0 {
		bounded = 0
	}
	if requestedDelta < bounded {
		return requestedDelta
	}
	return bounded
}

func (a *Autoscaler) recordDecision(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, d)
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
}

// History returns a snapshot of the most recent decisions, newest last.
func (a *Autoscaler) History() []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Decision, len(a.history))
	copy(out, a.history)
	return out
}

// reconcileNodePools estimates demand for every pool from its bound
// policies' current replicas × per-replica resource footprint, and
// scales the pool up/down per base spec §4.5 "Node-pool scaling".
func (a *Autoscaler) reconcileNodePools() {
	a.mu.Lock()
	pools := make([]*NodePool, 0, len(a.pools))
	for _, pool := range a.pools {
		pools = append(pools, pool)
	}
	a.mu.Unlock()

	for _, pool := range pools {
		a.reconcilePool(pool)
	}
}

func (a *Autoscaler) reconcilePool(pool *NodePool) {
	a.mu.Lock()
	var totalCPU, totalMem float64
	for _, policyID := range pool.BoundPolicyIDs {
		p, ok := a.policies[policyID]
		if !ok {
			continue
		}
		per := a.perRepl[p.TargetID]
		totalCPU += float64(p.CurrentReplicas) * per.CPU
		totalMem += float64(p.CurrentReplicas) * per.MemoryBytes
	}
	capacityCPU := float64(pool.CurrentNodes) * pool.CPUPerNode
	capacityMem := float64(pool.CurrentNodes) * pool.MemoryPerNodeBytes
	current := pool.CurrentNodes
	minNodes, maxNodes := pool.MinNodes, pool.MaxNodes
	poolID := pool.PoolID
	costPerHour := pool.CostPerHour
	cb := a.nodeCallback
	a.mu.Unlock()

	if capacityCPU == 0 && capacityMem == 0 {
		return
	}

	cpuUtil := safeRatio(totalCPU, capacityCPU)
	memUtil := safeRatio(totalMem, capacityMem)

	var desired int
	direction := DirectionNone
	switch {
	case cpuUtil > 0.8 || memUtil > 0.8:
		cpuNeed := ceilDiv(totalCPU, pool.CPUPerNode*0.8)
		memNeed := ceilDiv(totalMem, pool.MemoryPerNodeBytes*0.8)
		desired = maxInt(cpuNeed, memNeed)
		direction = DirectionUp
	case cpuUtil < 0.5 && memUtil < 0.5:
		cpuNeed := ceilDiv(totalCPU, pool.CPUPerNode*0.7)
		memNeed := ceilDiv(totalMem, pool.MemoryPerNodeBytes*0.7)
		desired = maxInt(cpuNeed, memNeed)
		if desired < minNodes {
			desired = minNodes
		}
		if desired < current {
			direction = DirectionDown
		}
	default:
		return
	}

	if desired < minNodes {
		desired = minNodes
	}
	if desired > maxNodes {
		desired = maxNodes
	}
	if desired == current || direction == DirectionNone {
		return
	}

	decision := Decision{
		TargetID: poolID, TargetType: TargetNodePool, Direction: direction,
		PreviousReplicas: current, DesiredReplicas: desired, Timestamp: time.Now(),
	}

	if cb == nil {
		decision.Error = "no node callback configured"
		a.recordDecision(decision)
		return
	}
	if err := cb(poolID, desired); err != nil {
		decision.Error = err.Error()
		a.recordDecision(decision)
		return
	}

	a.mu.Lock()
	if live, ok := a.pools[poolID]; ok {
		live.CurrentNodes = desired
	}
	a.mu.Unlock()

	if direction == DirectionDown {
		savedNodes := current - desired
		decision.Reason = formatMonthlySavings(savedNodes, costPerHour)
	}
	if a.metricsReg != nil {
		a.metricsReg.ScalingDecisions.WithLabelValues(string(TargetNodePool), string(direction)).Inc()
	}
	a.recordDecision(decision)
}

func safeRatio(n, d float64) float64 {
	if d == 0 {
		return 0
	}
	return n / d
}

func ceilDiv(numerator, denominator float64) int {
	if denominator <= 0 {
		return 0
	}
	return int(math.Ceil(numerator / denominator))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func formatMonthlySavings(nodes int, costPerHour float64) string {
	monthly := math.Round(float64(nodes)*costPerHour*24*30*100) / 100
	return fmt.Sprintf("estimated monthly savings $%.2f", monthly)
}
