package mesh

import "testing"

func TestCheckAccessDefaultDeny(t *testing.T) {
	store := NewPolicyStore()
	source := ServiceIdentity{Namespace: "prod", Name: "gateway"}
	dest := ServiceIdentity{Namespace: "prod", Name: "billing"}
	action, id := store.CheckAccess(source, dest, Request{Method: "GET", Path: "/invoices"})
	if action != ActionDeny || id != "" {
		t.Fatalf("expected default deny with no matching policy, got %v %q", action, id)
	}
}

func TestCheckAccessPriorityOrdering(t *testing.T) {
	store := NewPolicyStore()
	store.Put(AccessPolicy{
		ID:          "allow-all-billing",
		Source:      Selector{Namespace: "prod"},
		Destination: Selector{Name: "billing"},
		Action:      ActionAllow,
		Priority:    1,
	})
	store.Put(AccessPolicy{
		ID:          "deny-write-billing",
		Source:      Selector{Namespace: "prod"},
		Destination: Selector{Name: "billing"},
		Action:      ActionDeny,
		Priority:    10,
		Conditions: []AccessCondition{
			{Field: FieldMethod, Op: OpExact, Value: "POST"},
		},
	})

	source := ServiceIdentity{Namespace: "prod", Name: "gateway"}
	dest := ServiceIdentity{Namespace: "prod", Name: "billing"}

	if action, id := store.CheckAccess(source, dest, Request{Method: "POST"}); action != ActionDeny || id != "deny-write-billing" {
		t.Fatalf("expected higher-priority deny to win for POST, got %v %q", action, id)
	}
	if action, id := store.CheckAccess(source, dest, Request{Method: "GET"}); action != ActionAllow || id != "allow-all-billing" {
		t.Fatalf("expected fallback to lower-priority allow for GET, got %v %q", action, id)
	}
}

func TestCheckAccessConditionOps(t *testing.T) {
	store := NewPolicyStore()
	store.Put(AccessPolicy{
		ID:          "header-gated",
		Source:      Selector{},
		Destination: Selector{Name: "billing"},
		Action:      ActionAllow,
		Priority:    1,
		Conditions: []AccessCondition{
			{Field: FieldHeader, HeaderKey: "X-Internal-Token", Op: OpExists},
			{Field: FieldPath, Op: OpRegex, Value: `^/invoices/\d+$`},
		},
	})
	dest := ServiceIdentity{Namespace: "prod", Name: "billing"}
	source := ServiceIdentity{Namespace: "prod", Name: "gateway"}

	ok := Request{Path: "/invoices/42", Headers: map[string]string{"X-Internal-Token": "abc"}}
	if action, _ := store.CheckAccess(source, dest, ok); action != ActionAllow {
		t.Fatalf("expected allow when all conditions hold, got %v", action)
	}

	missingHeader := Request{Path: "/invoices/42", Headers: map[string]string{}}
	if action, _ := store.CheckAccess(source, dest, missingHeader); action != ActionDeny {
		t.Fatalf("expected default deny when required header missing, got %v", action)
	}

	badPath := Request{Path: "/invoices/abc", Headers: map[string]string{"X-Internal-Token": "abc"}}
	if action, _ := store.CheckAccess(source, dest, badPath); action != ActionDeny {
		t.Fatalf("expected default deny when path regex fails, got %v", action)
	}
}

func TestSelectorMatchesTags(t *testing.T) {
	sel := Selector{Tags: []string{"pci"}}
	match := ServiceIdentity{Tags: []string{"pci", "critical"}}
	noMatch := ServiceIdentity{Tags: []string{"critical"}}
	if !sel.Matches(match) {
		t.Fatalf("expected selector to match identity carrying the required tag")
	}
	if sel.Matches(noMatch) {
		t.Fatalf("expected selector not to match identity missing the required tag")
	}
}
