// Package docs holds the workflow syntax reference served to authoring
// agents. Content is keyed by category and embedded in the binary so
// the reference always matches the engine it ships with.
package docs

import "sort"

// Categories returns the available documentation keys, sorted.
func Categories() []string {
	keys := make([]string, 0, len(topics))
	for k := range topics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Syntax returns the reference text for a category.
func Syntax(category string) (string, bool) {
	doc, ok := topics[category]
	return doc, ok
}

var topics = map[string]string{
	"quick_start": quickStart,

	"common_patterns": commonPatterns,

	"start":     startDoc,
	"llm":       llmDoc,
	"action":    actionDoc,
	"condition": conditionDoc,
	"loop":      loopDoc,
	"variables": variablesDoc,
}

const quickStart = `# Quick start

A workflow is a JSON document: name, config, and a list of steps. Each
step has a stepSlug (lowercase_underscore), a stepType, a config object
for that type, and a nextSteps map from outcome keys to step slugs.

Minimal example:

{
  "name": "welcome_new_customers",
  "status": "active",
  "config": {},
  "steps": [
    {
      "stepSlug": "begin",
      "name": "Begin",
      "stepType": "start",
      "config": {"type": "manual"},
      "nextSteps": {"success": "find_customer"}
    },
    {
      "stepSlug": "find_customer",
      "name": "Find one unwelcomed customer",
      "stepType": "action",
      "config": {
        "type": "records",
        "operation": "find_unprocessed",
        "parameters": {"table": "customers", "limit": 1}
      },
      "nextSteps": {"success": "greet"}
    },
    {
      "stepSlug": "greet",
      "name": "Write a greeting",
      "stepType": "llm",
      "config": {
        "name": "greet",
        "systemPrompt": "You write short friendly onboarding notes.",
        "prompt": "Welcome {{steps.find_customer.output.records|first}} warmly."
      }
    }
  ]
}

Step types: start, llm, action, condition, loop. A step with no edge
for its outcome ends the run successfully. Save the definition with
workflow.save, check it with workflow.validate, execute with
workflow.run.`

const commonPatterns = `# Common patterns

## Process one record per run
Use records.find_unprocessed with limit 1 so each run claims exactly
one record, then finish with records.record_processed so the next run
picks a different one. Claims are per-workflow: two workflows can each
process the same customer once.

## Route on a field
condition steps evaluate an expression against the scope and take the
"true" or "false" edge:

  {"expression": "steps.fetch.output.record.plan == \"pro\""}

## Gate a write behind a human
Any write action (create, update, delete, knowledge.save) suspends the
run and creates an approval. The run resumes when a human approves or
rejects. Add a "rejected" edge to handle rejection; without one the run
completes quietly on that branch.

## Retry flaky calls
Set config.retryPolicy on the workflow:

  {"retryPolicy": {"maxRetries": 3, "backoffMs": 500}}

Only action steps retry, and only on transient failures. llm steps
never retry automatically; give them an "error" edge instead.

## Iterate a collection
A loop step resolves its items template once, then takes the "loop"
edge for each element. The body routes back to the loop step; when the
items are exhausted the loop takes "done".`

const startDoc = `# start

Every workflow has exactly one start step (stepType "start"; "trigger"
is accepted as an alias). Its config selects how runs begin:

  {"type": "manual"}                          started by workflow.run
  {"type": "scheduled", "schedule": "0 9 * * 1"}  cron, fired by the scheduler
  {"type": "webhook"}                         started by an inbound call
  {"type": "event", "eventType": "customer.created"}

Scheduled expressions use standard 5-field cron; a 6-field form with a
leading seconds column is also accepted. The payload that starts a run
becomes the start step's output: reference it as
{{steps.<start_slug>.output.<field>}}.

Outcomes: success.`

const llmDoc = `# llm

An llm step hands a prompt to the model runtime and exposes the reply
as its output.

Config:
  name          required, identifies the call
  systemPrompt  required
  prompt        optional, template-resolved before the call
  allowedTools  optional list of tool names the model may use

Output: {"text": "...", "data": {...}}; data is present when the
model returns structured content.

llm steps are never retried automatically. A failed call takes the
"error" edge when one exists, otherwise the run fails. To retry, route
the error edge back into the step.

Outcomes: success, error.`

const actionDoc = `# action

An action step invokes a registered operation. Config:

  type        action family, e.g. "customers", "records", "data"
  operation   operation name, e.g. "update", "find_unprocessed"
  parameters  map of values; strings are template-resolved

Use actions.catalog to list every operation with its parameters and
mode. Read operations run immediately. Write operations suspend the run
behind an approval: the resolved parameters are frozen when the
approval is created, and exactly those parameters execute after a human
approves.

Outcomes: success, error, rejected. The rejected edge fires when the
approval is declined; without it the run completes on that branch.`

const conditionDoc = `# condition

A condition step evaluates a boolean expression against the run scope
and takes the "true" or "false" edge.

Config:
  expression  required
  language    "expr" (default) or "cel"

The default language is Expr: steps.check.output.count > 3,
customer.plan in ["pro", "enterprise"], and so on. The scope is
available as steps.<slug>.output plus workflow variables at top level.
CEL expressions see the same data under the steps / workflow / loop
namespaces.

A non-boolean result is an error, not a silent false.

Outcomes: true, false.`

const loopDoc = `# loop

A loop step iterates a collection. Config:

  items            template resolving to a list, e.g.
                   "{{steps.find.output.records}}"
  itemVariable     name bound to the current element (default "item")
  indexVariable    name bound to the position (default "index")
  maxIterations    safety bound, default 1000
  continueOnError  when true, a failed body step skips to the next
                   element instead of failing the run

The loop takes the "loop" edge once per element; the body must route
back to the loop step. When the items are exhausted (or were empty to
begin with) the loop takes "done". Exceeding maxIterations fails the
run.

Outcomes: loop, done.`

const variablesDoc = `# variables and templates

Templates are {{path}} expressions resolved against the run scope:

  {{steps.<slug>.output.<field>}}   a previous step's output
  {{<name>}}                        a workflow variable or loop binding

A template that is the entire string keeps its type: "{{steps.a.output.records}}"
stays a list. Embedded templates stringify: "Found {{steps.a.output.count}} rows".

A path through missing data resolves to undefined, which renders as
empty and makes most filters return nothing rather than erroring.
Indexing into undefined ("{{steps.a.output.records[0]}}" when records
is missing) is a hard error.

Filters chain with |:

  {{steps.find.output.records|length}}
  {{steps.find.output.records|filter(plan, 'pro')|first}}
  {{steps.fetch.output.record.createdAt|daysAgo}}

Collection filters: length, first, last, map(field), filter(field, value),
find(field, value), unique, flatten, slice(from, to), sort(field?),
reverse, join(sep), formatList, hasOverlap(other).
Scalar filters: upper, lower, trim, string, number, boolean, parseJSON.
Date filters: isoDate, parseDate, daysAgo, hoursAgo, minutesAgo,
isBefore(other), isAfter(other).

Workflow variables come from config.initialVariables and are readable
at top level: {{region}}. Loop bindings (item, index by default) shadow
variables of the same name inside the loop.`
