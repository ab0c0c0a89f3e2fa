package workflow

import (
	"fmt"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/storage"
)

// ValidateDefinition enforces spec.md §4.1's four DAG validation rules. It
// runs both at workflow save time and again at submit time (a definition
// could in principle be hand-edited in storage between the two).
func ValidateDefinition(def storage.WorkflowDefinition) error {
	byID := make(map[string]storage.StepDefinition, len(def.Steps))
	for _, s := range def.Steps {
		if _, dup := byID[s.ID]; dup {
			return errs.New(errs.InvalidArgument, "duplicate step id: "+s.ID)
		}
		byID[s.ID] = s
	}

	// Rule 1: every depends_on target exists in the same workflow.
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
	}

	// Rule 2: no cycles — a topological sort must account for every step.
	if _, err := topoSort(def.Steps); err != nil {
		return err
	}

	// Rule 3: conditional/loop branch steps are structurally scoped — every
	// step named in then_steps/else_steps/body_steps must list the
	// conditional/loop step in its own depends_on.
	for _, s := range def.Steps {
		switch s.Type {
		case storage.StepConditional:
			branch := append(stringSliceFromConfig(s.Config, "then_steps"), stringSliceFromConfig(s.Config, "else_steps")...)
			if err := requireScoped(byID, s.ID, branch); err != nil {
				return err
			}
		case storage.StepLoop:
			if err := requireScoped(byID, s.ID, stringSliceFromConfig(s.Config, "body_steps")); err != nil {
				return err
			}
		}
	}

	// Rule 4 (sub_workflow name resolution) is deliberately deferred to
	// execution per spec.md: "lookup may be deferred to execution; an
	// unresolved reference fails that step, not the whole run."

	return nil
}

func requireScoped(byID map[string]storage.StepDefinition, parentID string, branchStepIDs []string) error {
	for _, id := range branchStepIDs {
		step, ok := byID[id]
		if !ok {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("branch of %q references unknown step %q", parentID, id))
		}
		if !contains(step.DependsOn, parentID) {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q is in %q's branch but does not depend on it", id, parentID))
		}
	}
	return nil
}

func stringSliceFromConfig(config map[string]any, key string) []string {
	raw, ok := config[key]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		if ss, ok := raw.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// topoSort returns steps in dependency order, or an InvalidArgument error
// if a cycle exists. Kahn's algorithm, with ties broken by
// declaration order to match the scheduler's own ready-set ordering rule.
func topoSort(steps []storage.StepDefinition) ([]storage.StepDefinition, error) {
	indexOf := make(map[string]int, len(steps))
	for i, s := range steps {
		indexOf[s.ID] = i
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	var ordered []storage.StepDefinition
	for len(ready) > 0 {
		// Stable pick: lowest declaration index among the current ready set.
		best := 0
		for i := 1; i < len(ready); i++ {
			if indexOf[ready[i]] < indexOf[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)

		ordered = append(ordered, steps[indexOf[id]])
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(steps) {
		return nil, errs.New(errs.InvalidArgument, "workflow definition contains a dependency cycle")
	}
	return ordered, nil
}
