package autoscaler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingScaleCallback struct {
	mu    sync.Mutex
	calls []struct {
		targetID string
		desired  int
	}
	err error
}

func (r *recordingScaleCallback) callback() ScaleCallback {
	return func(targetID string, targetType TargetType, desiredReplicas int) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.err != nil {
			return r.err
		}
		r.calls = append(r.calls, struct {
			targetID string
			desired  int
		}{targetID, desiredReplicas})
		return nil
	}
}

func TestEvaluatePolicyScalesUpOnHighRatio(t *testing.T) {
	cb := &recordingScaleCallback{}
	a := New(Config{ScaleCallback: cb.callback()})
	policy := &ScalingPolicy{
		PolicyID: "p1", TargetID: "worker-pool", TargetType: TargetWorker,
		MinReplicas: 1, MaxReplicas: 10, CurrentReplicas: 2, Enabled: true,
		Metrics: []ScalingMetric{{Type: "cpu", Target: 50, Weight: 1}},
	}
	a.RegisterPolicy(policy)
	a.RecordMetric("worker-pool", "cpu", 80)

	a.evaluatePolicy("p1")

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Len(t, cb.calls, 1)
	require.Greater(t, cb.calls[0].desired, 2)

	history := a.History()
	require.Len(t, history, 1)
	require.Equal(t, DirectionUp, history[0].Direction)
}

func TestEvaluatePolicyRespectsMaxReplicas(t *testing.T) {
	cb := &recordingScaleCallback{}
	a := New(Config{ScaleCallback: cb.callback()})
	policy := &ScalingPolicy{
		PolicyID: "p1", TargetID: "worker-pool", TargetType: TargetWorker,
		MinReplicas: 1, MaxReplicas: 3, CurrentReplicas: 2, Enabled: true,
		Metrics: []ScalingMetric{{Type: "cpu", Target: 10, Weight: 1}},
	}
	a.RegisterPolicy(policy)
	a.RecordMetric("worker-pool", "cpu", 1000)

	a.evaluatePolicy("p1")

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Len(t, cb.calls, 1)
	require.Equal(t, 3, cb.calls[0].desired)
}

func TestEvaluatePolicySkipsWithinCooldown(t *testing.T) {
	cb := &recordingScaleCallback{}
	a := New(Config{ScaleCallback: cb.callback()})
	policy := &ScalingPolicy{
		PolicyID: "p1", TargetID: "worker-pool", TargetType: TargetWorker,
		MinReplicas: 1, MaxReplicas: 10, CurrentReplicas: 2, Enabled: true,
		CooldownSeconds: 300, LastScaleTime: time.Now(),
		Metrics: []ScalingMetric{{Type: "cpu", Target: 50, Weight: 1}},
	}
	a.RegisterPolicy(policy)
	a.RecordMetric("worker-pool", "cpu", 80)

	a.evaluatePolicy("p1")

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Empty(t, cb.calls)
	require.Empty(t, a.History())
}

func TestEvaluatePolicyNoMetricDataSkipsSilently(t *testing.T) {
	cb := &recordingScaleCallback{}
	a := New(Config{ScaleCallback: cb.callback()})
	policy := &ScalingPolicy{
		PolicyID: "p1", TargetID: "worker-pool", TargetType: TargetWorker,
		MinReplicas: 1, MaxReplicas: 10, CurrentReplicas: 2, Enabled: true,
		Metrics: []ScalingMetric{{Type: "cpu", Target: 50, Weight: 1}},
	}
	a.RegisterPolicy(policy)

	a.evaluatePolicy("p1")

	require.Empty(t, a.History())
}

func TestEvaluatePolicyRecordsErrorWhenNoCallback(t *testing.T) {
	a := New(Config{})
	policy := &ScalingPolicy{
		PolicyID: "p1", TargetID: "worker-pool", TargetType: TargetWorker,
		MinReplicas: 1, MaxReplicas: 10, CurrentReplicas: 2, Enabled: true,
		Metrics: []ScalingMetric{{Type: "cpu", Target: 50, Weight: 1}},
	}
	a.RegisterPolicy(policy)
	a.RecordMetric("worker-pool", "cpu", 80)

	a.evaluatePolicy("p1")

	history := a.History()
	require.Len(t, history, 1)
	require.NotEmpty(t, history[0].Error)
}

func TestEvaluatePolicyRecordsCallbackError(t *testing.T) {
	cb := &recordingScaleCallback{err: errors.New("platform rejected")}
	a := New(Config{ScaleCallback: cb.callback()})
	policy := &ScalingPolicy{
		PolicyID: "p1", TargetID: "worker-pool", TargetType: TargetWorker,
		MinReplicas: 1, MaxReplicas: 10, CurrentReplicas: 2, Enabled: true,
		Metrics: []ScalingMetric{{Type: "cpu", Target: 50, Weight: 1}},
	}
	a.RegisterPolicy(policy)
	a.RecordMetric("worker-pool", "cpu", 80)

	a.evaluatePolicy("p1")

	history := a.History()
	require.Len(t, history, 1)
	require.Equal(t, "platform rejected", history[0].Error)
}

func TestRegisterPolicyClampsMaxBelowMin(t *testing.T) {
	a := New(Config{})
	a.RegisterPolicy(&ScalingPolicy{PolicyID: "p1", MinReplicas: 5, MaxReplicas: 2})

	a.mu.Lock()
	p := a.policies["p1"]
	a.mu.Unlock()
	require.Equal(t, 5, p.MaxReplicas)
}

func TestEffectiveMinHonorsScaleToZero(t *testing.T) {
	p := &ScalingPolicy{MinReplicas: 3, ScaleToZero: true}
	require.Equal(t, 0, p.EffectiveMin())

	p2 := &ScalingPolicy{MinReplicas: 3}
	require.Equal(t, 3, p2.EffectiveMin())
}

func TestApplyBehaviorPodsLimit(t *testing.T) {
	b := ScalingBehavior{Policies: []BehaviorPolicyEntry{{Type: BehaviorPods, Value: 2}}}
	delta := applyBehavior(b, 10, 5)
	require.Equal(t, 2, delta)
}

func TestApplyBehaviorPercentLimit(t *testing.T) {
	b := ScalingBehavior{Policies: []BehaviorPolicyEntry{{Type: BehaviorPercent, Value: 50}}}
	delta := applyBehavior(b, 10, 100)
	require.Equal(t, 5, delta)
}

func TestApplyBehaviorSelectMinTakesLowestLimit(t *testing.T) {
	b := ScalingBehavior{
		SelectPolicy: SelectMin,
		Policies: []BehaviorPolicyEntry{
			{Type: BehaviorPods, Value: 10},
			{Type: BehaviorPercent, Value: 10},
		},
	}
	delta := applyBehavior(b, 10, 100)
	require.Equal(t, 1, delta)
}

func TestApplyBehaviorDisabledReturnsZero(t *testing.T) {
	b := ScalingBehavior{SelectPolicy: SelectDisabled}
	delta := applyBehavior(b, 10, 5)
	require.Equal(t, 0, delta)
}

func TestApplyBehaviorNoPoliciesReturnsRequested(t *testing.T) {
	b := ScalingBehavior{}
	delta := applyBehavior(b, 10, 5)
	require.Equal(t, 5, delta)
}

func TestReconcilePoolScalesUpOnHighUtilization(t *testing.T) {
	cb := &recordingScaleCallback{}
	a := New(Config{})
	var nodeCalls []int
	nodeCB := func(poolID string, desiredNodes int) error {
		nodeCalls = append(nodeCalls, desiredNodes)
		return nil
	}
	a.nodeCallback = nodeCB
	_ = cb

	a.RegisterPolicy(&ScalingPolicy{PolicyID: "p1", TargetID: "workers", CurrentReplicas: 100})
	a.SetPerReplicaResource("workers", PerReplicaResource{CPU: 1})
	a.RegisterNodePool(&NodePool{
		PoolID: "pool1", CPUPerNode: 4, MemoryPerNodeBytes: 1 << 30,
		MinNodes: 1, MaxNodes: 50, CurrentNodes: 5,
		BoundPolicyIDs: []string{"p1"},
	})

	a.reconcileNodePools()

	require.NotEmpty(t, nodeCalls)
	require.Greater(t, nodeCalls[0], 5)
}

func TestReconcilePoolScalesDownOnLowUtilization(t *testing.T) {
	a := New(Config{})
	var nodeCalls []int
	a.nodeCallback = func(poolID string, desiredNodes int) error {
		nodeCalls = append(nodeCalls, desiredNodes)
		return nil
	}

	a.RegisterPolicy(&ScalingPolicy{PolicyID: "p1", TargetID: "workers", CurrentReplicas: 1})
	a.SetPerReplicaResource("workers", PerReplicaResource{CPU: 1})
	a.RegisterNodePool(&NodePool{
		PoolID: "pool1", CPUPerNode: 4, MemoryPerNodeBytes: 1 << 30,
		MinNodes: 1, MaxNodes: 50, CurrentNodes: 20,
		BoundPolicyIDs: []string{"p1"},
	})

	a.reconcileNodePools()

	require.NotEmpty(t, nodeCalls)
	require.Less(t, nodeCalls[0], 20)
}

func TestHistoryIsBoundedAndOrdered(t *testing.T) {
	a := New(Config{})

	for i := 0; i < maxHistory+10; i++ {
		a.recordDecision(Decision{PolicyID: "p1", DesiredReplicas: i, Timestamp: time.Now()})
	}

	history := a.History()
	require.Len(t, history, maxHistory)
	require.Equal(t, maxHistory+9, history[len(history)-1].DesiredReplicas)
}
