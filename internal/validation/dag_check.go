package validation

import (
	"fmt"

	"github.com/loomhq/loom/pkg/schema"
)

// validateGraph checks edge integrity over the whole step graph:
// duplicate slugs, edges pointing at steps that do not exist, start
// step presence and reachability. Cycles are legal; loop edges depend
// on them.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	slugs := make(map[string]int, len(def.Steps))
	var startSlugs []string
	for i := range def.Steps {
		step := &def.Steps[i]
		if prev, dup := slugs[step.StepSlug]; dup {
			result.AddError(fmt.Sprintf("steps[%d].stepSlug", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step slug %q (first defined at steps[%d])", step.StepSlug, prev))
			continue
		}
		slugs[step.StepSlug] = i
		if step.StepType.Canonical() == schema.StepTypeStart {
			startSlugs = append(startSlugs, step.StepSlug)
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		for key, target := range step.NextSteps {
			if _, ok := slugs[target]; !ok {
				result.AddError(fmt.Sprintf("steps[%d].nextSteps.%s", i, key), schema.ErrCodeValidation,
					fmt.Sprintf("edge %q points at non-existent step %q", key, target))
			}
		}
	}

	switch len(startSlugs) {
	case 0:
		result.AddWarning("steps", schema.ErrCodeValidation,
			"workflow has no start step; it can only be run manually")
	case 1:
		markUnreachable(def, startSlugs[0], slugs, result)
	default:
		result.AddError("steps", schema.ErrCodeValidation,
			fmt.Sprintf("workflow has %d start steps; at most one is allowed", len(startSlugs)))
	}

	return result
}

// markUnreachable warns about steps no path from the start step reaches.
func markUnreachable(def *schema.WorkflowDefinition, start string, slugs map[string]int, result *schema.ValidationResult) {
	reached := make(map[string]bool, len(def.Steps))
	frontier := []string{start}
	for len(frontier) > 0 {
		slug := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if reached[slug] {
			continue
		}
		reached[slug] = true
		idx, ok := slugs[slug]
		if !ok {
			continue
		}
		for _, target := range def.Steps[idx].NextSteps {
			if !reached[target] {
				frontier = append(frontier, target)
			}
		}
	}

	for i := range def.Steps {
		if !reached[def.Steps[i].StepSlug] {
			result.AddWarning(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the start step", def.Steps[i].StepSlug))
		}
	}
}
