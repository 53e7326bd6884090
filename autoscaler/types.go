// Package autoscaler observes metrics, decides desired replica counts,
// and invokes platform scaling callbacks for workers, containers, and
// node pools. Its ticker-driven evaluation loop follows the
// start()/stop() ticked-subsystem shape the teacher uses throughout
// pkg/node (health_checker.go, config_manager.go); there is no direct
// teacher analogue for a replica-scaling policy engine, since the
// teacher is an execution client rather than an orchestrator (base
// spec §4.5; see DESIGN.md).
package autoscaler

import "time"

// TargetType identifies what kind of resource a ScalingPolicy governs.
type TargetType string

const (
	TargetWorker    TargetType = "worker"
	TargetContainer TargetType = "container"
	TargetNodePool  TargetType = "node-pool"
)

// BehaviorType selects how a ScalingBehavior policy entry's value is
// interpreted.
type BehaviorType string

const (
	BehaviorPods    BehaviorType = "pods"
	BehaviorPercent BehaviorType = "percent"
)

// SelectPolicy picks how multiple behavior policy entries combine.
type SelectPolicy string

const (
	SelectMax      SelectPolicy = "max"
	SelectMin      SelectPolicy = "min"
	SelectDisabled SelectPolicy = "disabled"
)

// BehaviorPolicyEntry bounds the per-tick delta by a pods-or-percent
// rate over a period (base spec §3 "ScalingBehavior").
type BehaviorPolicyEntry struct {
	Type          BehaviorType
	Value         float64
	PeriodSeconds int
}

// ScalingBehavior bounds how fast a policy may scale up or down
// (base spec §3 "ScalingBehavior").
type ScalingBehavior struct {
	StabilizationWindowSeconds int
	Policies                   []BehaviorPolicyEntry
	SelectPolicy               SelectPolicy
}

// ScalingMetric is one weighted input to a policy's ratio computation
// (base spec §3 "ScalingMetric").
type ScalingMetric struct {
	Type         string
	Target       float64
	CustomMetric string
	Weight       float64
}

// ScalingPolicy governs one worker/container/node-pool target (base
// spec §3 "ScalingPolicy").
type ScalingPolicy struct {
	PolicyID        string
	TargetID        string
	TargetType      TargetType
	MinReplicas     int
	MaxReplicas     int
	CurrentReplicas int
	Metrics         []ScalingMetric
	ScaleUpBehavior ScalingBehavior
	ScaleDownBehavior ScalingBehavior
	CooldownSeconds int
	ScaleToZero     bool
	LastScaleTime   time.Time
	Enabled         bool
}

// EffectiveMin returns 0 when ScaleToZero is set, else MinReplicas
// (base spec §3 "ScalingPolicy invariants").
func (p *ScalingPolicy) EffectiveMin() int {
	if p.ScaleToZero {
		return 0
	}
	return p.MinReplicas
}

// Direction is the outcome of one policy evaluation tick.
type Direction string

const (
	DirectionNone Direction = "none"
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Decision records one committed or rejected scaling evaluation,
// retained in a bounded history (base spec §4.5 step 7).
type Decision struct {
	PolicyID        string
	TargetID        string
	TargetType      TargetType
	Direction       Direction
	PreviousReplicas int
	DesiredReplicas int
	Ratio           float64
	Timestamp       time.Time
	Reason          string
	Error           string
}

// NodePool models a fixed-resource-per-node autoscaling group (base
// spec §3 "NodePool").
type NodePool struct {
	PoolID              string
	CPUPerNode          float64
	MemoryPerNodeBytes  float64
	MinNodes            int
	MaxNodes            int
	CurrentNodes        int
	CostPerHour         float64
	BoundPolicyIDs      []string // ScalingPolicy IDs whose replicas consume this pool's capacity
}

// ScaleCallback is invoked to request a desired replica count for a
// worker/container/node-pool target (base spec §6 "Scaling callback
// contract").
type ScaleCallback func(targetID string, targetType TargetType, desiredReplicas int) error

// NodeCallback is invoked to request a desired node count for a pool
// (base spec §6 "Scaling callback contract").
type NodeCallback func(poolID string, desiredNodes int) error

// PerReplicaResource is how much CPU/memory one replica of a
// worker/container policy consumes, used to estimate node-pool demand
// (base spec §4.5 "Node-pool scaling").
type PerReplicaResource struct {
	CPU          float64
	MemoryBytes  float64
}
