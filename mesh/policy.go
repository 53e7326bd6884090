package mesh

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// PolicyStore holds AccessPolicy values and evaluates checkAccess
// (base spec §4.6): gather policies whose source/destination selectors
// both match, sort by priority descending, evaluate the first whose
// conditions all hold, default deny if none match.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]AccessPolicy
}

// NewPolicyStore creates an empty policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]AccessPolicy)}
}

// Put adds or replaces an access policy.
func (p *PolicyStore) Put(policy AccessPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[policy.ID] = policy
}

// Delete removes an access policy.
func (p *PolicyStore) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.policies, id)
}

// List returns every registered policy.
func (p *PolicyStore) List() []AccessPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]AccessPolicy, 0, len(p.policies))
	for _, policy := range p.policies {
		out = append(out, policy)
	}
	return out
}

// CheckAccess decides whether source may reach destination with req,
// per base spec §4.6. Returns the matching policy's action, or
// ActionDeny with a zero-value policy id if nothing matched
// ("default deny").
func (p *PolicyStore) CheckAccess(source, destination ServiceIdentity, req Request) (Action, string) {
	p.mu.RLock()
	candidates := make([]AccessPolicy, 0, len(p.policies))
	for _, policy := range p.policies {
		if policy.Source.Matches(source) && policy.Destination.Matches(destination) {
			candidates = append(candidates, policy)
		}
	}
	p.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	for _, policy := range candidates {
		if evaluateConditions(policy.Conditions, req) {
			return policy.Action, policy.ID
		}
	}
	return ActionDeny, ""
}

func evaluateConditions(conditions []AccessCondition, req Request) bool {
	for _, cond := range conditions {
		if !evaluateCondition(cond, req) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond AccessCondition, req Request) bool {
	actual, present := fieldValue(cond, req)
	switch cond.Op {
	case OpExists:
		return present
	case OpExact:
		return present && actual == cond.Value
	case OpContains:
		return present && strings.Contains(actual, cond.Value)
	case OpRegex:
		if !present {
			return false
		}
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	default:
		return false
	}
}

func fieldValue(cond AccessCondition, req Request) (string, bool) {
	switch cond.Field {
	case FieldMethod:
		return req.Method, req.Method != ""
	case FieldPath:
		return req.Path, req.Path != ""
	case FieldHeader:
		v, ok := req.Headers[cond.HeaderKey]
		return v, ok
	default:
		return "", false
	}
}
