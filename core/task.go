package core

// Task is the structured objective the engine executes during one turn. It is
// derived from conversation by the Gateway collaborator and is immutable once
// produced; the engine never inspects raw user text itself.
type Task struct {
	// Objective is the free-form goal statement the plan should accomplish.
	Objective string `json:"objective"`

	// ContextKeys lists context keys the task requires or implies. The
	// classifier and orchestrator surface them to the model so plans bind
	// parameters against the right persistent context entries.
	ContextKeys []string `json:"context_keys,omitempty"`
}

// ActiveSet is the subset of registered capability names selected by the
// classifier as relevant to a task. Order is preserved as returned by the
// classifier so prompts stay deterministic.
type ActiveSet struct {
	Names []string `json:"names"`
}

// NewActiveSet builds an ActiveSet from capability names, dropping duplicates
// while preserving first-seen order.
func NewActiveSet(names ...string) ActiveSet {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return ActiveSet{Names: out}
}

// Has reports whether name is a member of the active set.
func (s ActiveSet) Has(name string) bool {
	for _, n := range s.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Empty reports whether no capability was selected. An empty set is a
// terminal condition routed to the clarification response, never a crash.
func (s ActiveSet) Empty() bool { return len(s.Names) == 0 }
