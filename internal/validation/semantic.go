package validation

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/pkg/schema"
)

// cron schedules are accepted in standard 5-field form or with a
// leading seconds field.
var (
	cronParser5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	cronParser6 = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// validateSemantic checks each step's slug, outcome edges and typed
// config payload. Purely definitional: no store or clock access.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Config.RetryPolicy != nil && def.Config.RetryPolicy.MaxRetries > 10 {
		result.AddWarning("config.retryPolicy.maxRetries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", def.Config.RetryPolicy.MaxRetries))
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStep(&def.Steps[i], path, lookup, result)
	}

	return result
}

func validateStep(step *schema.StepDefinition, path string, lookup ActionLookup, result *schema.ValidationResult) {
	if !schema.SlugPattern.MatchString(step.StepSlug) {
		result.AddError(path+".stepSlug", schema.ErrCodeValidation,
			fmt.Sprintf("step slug %q must be lowercase words joined by single underscores", step.StepSlug))
	}

	// The schema rejects a missing name; this also catches whitespace-only.
	if strings.TrimSpace(step.Name) == "" {
		result.AddError(path+".name", schema.ErrCodeValidation,
			"step requires a name")
	}

	validateOutcomeKeys(step, path, result)

	switch step.StepType.Canonical() {
	case schema.StepTypeStart:
		validateStartConfig(step, path, result)
	case schema.StepTypeLLM:
		validateLLMConfig(step, path, result)
	case schema.StepTypeAction:
		validateActionConfig(step, path, lookup, result)
	case schema.StepTypeCondition:
		validateConditionConfig(step, path, result)
	case schema.StepTypeLoop:
		validateLoopConfig(step, path, result)
	}
}

// validateOutcomeKeys ensures every nextSteps key is an outcome the
// step's type can emit.
func validateOutcomeKeys(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	allowed := schema.OutcomesFor(step.StepType)
	if allowed == nil {
		return // unknown type is caught structurally
	}
	allowedSet := make(map[schema.OutcomeKey]bool, len(allowed))
	for _, k := range allowed {
		allowedSet[k] = true
	}
	for key := range step.NextSteps {
		if !allowedSet[key] {
			names := make([]string, len(allowed))
			for i, k := range allowed {
				names[i] = string(k)
			}
			result.AddError(fmt.Sprintf("%s.nextSteps.%s", path, key), schema.ErrCodeValidation,
				fmt.Sprintf("step type %q cannot emit outcome %q (allowed: %s)",
					step.StepType, key, strings.Join(names, ", ")))
		}
	}
}

func validateStartConfig(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.StartConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}

	switch cfg.Type {
	case schema.TriggerManual, schema.TriggerWebhook:
		// No extra fields required.
	case schema.TriggerScheduled:
		if cfg.Schedule == "" {
			result.AddError(path+".config.schedule", schema.ErrCodeValidation,
				"scheduled trigger requires a cron schedule")
			return
		}
		if !validCron(cfg.Schedule) {
			result.AddError(path+".config.schedule", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron schedule %q (expected 5 or 6 fields)", cfg.Schedule))
		}
	case schema.TriggerEvent:
		if cfg.EventType == "" {
			result.AddError(path+".config.eventType", schema.ErrCodeValidation,
				"event trigger requires an eventType")
		}
	case "":
		result.AddError(path+".config.type", schema.ErrCodeValidation,
			"start step requires a trigger type")
	default:
		result.AddError(path+".config.type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown trigger type %q (expected manual, scheduled, webhook or event)", cfg.Type))
	}
}

func validCron(spec string) bool {
	if _, err := cronParser5.Parse(spec); err == nil {
		return true
	}
	_, err := cronParser6.Parse(spec)
	return err == nil
}

func validateLLMConfig(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.LLMConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}

	eff := cfg.Effective()
	if eff.Name == "" {
		result.AddError(path+".config.name", schema.ErrCodeValidation,
			"llm step requires a name")
	}
	if eff.SystemPrompt == "" {
		result.AddError(path+".config.systemPrompt", schema.ErrCodeValidation,
			"llm step requires a systemPrompt")
	}
	if cfg.LLMNode != nil {
		result.AddWarning(path+".config.llmNode", schema.ErrCodeValidation,
			"nested llmNode config is deprecated; move fields to the top level")
	}
}

// stepTypeNames guards against action types that shadow step types,
// which usually means the author meant a different stepType.
var stepTypeNames = map[string]bool{
	"start": true, "trigger": true, "llm": true,
	"condition": true, "loop": true,
}

func validateActionConfig(step *schema.StepDefinition, path string, lookup ActionLookup, result *schema.ValidationResult) {
	var cfg schema.ActionConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}

	if cfg.Type == "" {
		result.AddError(path+".config.type", schema.ErrCodeValidation,
			"action step requires an action type")
		return
	}

	if stepTypeNames[cfg.Type] {
		result.AddWarning(path+".config.type", schema.ErrCodeValidation,
			fmt.Sprintf("action type %q collides with a step type; did you mean stepType: %q?", cfg.Type, cfg.Type))
	}

	if lookup != nil && !lookup.Has(cfg.Type, cfg.Operation) {
		what := cfg.Type
		if cfg.Operation != "" {
			what = cfg.Type + "." + cfg.Operation
		}
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("action %q not registered", what))
	}
}

func validateConditionConfig(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.ConditionConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}

	if strings.TrimSpace(cfg.Expression) == "" {
		result.AddError(path+".config.expression", schema.ErrCodeValidation,
			"condition step requires a non-empty expression")
	}
	switch cfg.Language {
	case "", "expr", "cel":
	default:
		result.AddError(path+".config.language", schema.ErrCodeValidation,
			fmt.Sprintf("unknown expression language %q (expected expr or cel)", cfg.Language))
	}
}

func validateLoopConfig(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.LoopConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}

	if cfg.MaxIterations < 0 {
		result.AddError(path+".config.maxIterations", schema.ErrCodeValidation,
			"maxIterations must not be negative")
	}
	if strings.TrimSpace(cfg.Items) == "" {
		result.AddWarning(path+".config.items", schema.ErrCodeValidation,
			"loop has no items template; it will complete immediately with zero iterations")
	}
	if _, hasLoop := step.NextSteps[schema.OutcomeLoop]; !hasLoop {
		result.AddWarning(path+".nextSteps.loop", schema.ErrCodeValidation,
			"loop has no loop edge; the body will never execute")
	}
}
