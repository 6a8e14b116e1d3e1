// Package planner implements the Planner Adapter: it normalizes an
// already-structured plan document (produced by an external NL->plan step)
// into a types.PlanSpec, preserving step order as an implicit Required
// dependency chain and injecting wait_for_element steps where requested.
// Grounded on the teacher's action-array parsing in
// internal/mcp/automation_tools.go's ExecutePlanTool.
package planner

import (
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

// StepOptions mirrors the options object of a plan step.
type StepOptions struct {
	WaitForElement bool
	TimeoutMs      int
	RetryCount     int
}

// StepDocument is one entry of the plan document's steps array.
type StepDocument struct {
	ActionType string
	Target     string
	Value      string
	Options    StepOptions
}

// PlanDocument is the structured plan shape consumed from the external
// NL->plan step.
type PlanDocument struct {
	Steps      []StepDocument
	Confidence float64
	Complexity string
}

// actionToTool maps a plan's action_type to a registered tool name and
// whether that tool belongs to the Interaction category (relevant for
// wait_for_element injection, which only applies to Interaction steps
// whose target is a CSS selector).
var actionToTool = map[string]types.ToolName{
	"navigate":       "navigate",
	"refresh":        "refresh",
	"go_back":        "go_back",
	"go_forward":     "go_forward",
	"scroll":         "scroll",
	"click":          "click",
	"type":           "type_text",
	"select":         "select_option",
	"hover":          "hover",
	"focus":          "focus",
	"extract_text":   "extract_text",
	"extract_links":  "extract_links",
	"extract_data":   "extract_data",
	"extract_table":  "extract_table",
	"extract_form":   "extract_form",
	"screenshot":     "screenshot",
	"wait":           "wait_for_condition",
	"intelligent_action": "intelligent_action",
}

var interactionActions = map[string]bool{
	"click": true, "type": true, "select": true, "hover": true, "focus": true,
}

// Adapter normalizes plan documents into PlanSpecs.
type Adapter struct{}

// New builds a Planner Adapter.
func New() *Adapter { return &Adapter{} }

// Normalize maps each step to a tool name and input record, preserving
// order as an implicit Required-dependency chain (step i+1 depends on step
// i). Unknown action_type values fail with UnknownAction. When
// options.wait_for_element is true and the step is an Interaction whose
// target is a CSS selector, a preceding wait_for_element step is injected.
func (a *Adapter) Normalize(doc PlanDocument) (*types.PlanSpec, error) {
	spec := &types.PlanSpec{Confidence: doc.Confidence, Complexity: doc.Complexity}

	var prior types.ToolName
	for _, step := range doc.Steps {
		tool, ok := actionToTool[step.ActionType]
		if !ok {
			return nil, &types.Error{Kind: types.ErrUnknownAction, Reason: step.ActionType}
		}

		if step.Options.WaitForElement && interactionActions[step.ActionType] && step.Target != "" {
			waitName := types.ToolName("wait_for_element")
			waitInput := types.ToolInput{
				"css_selector": step.Target,
			}
			if step.Options.TimeoutMs > 0 {
				waitInput["timeout_ms"] = step.Options.TimeoutMs
			}
			spec.Steps = append(spec.Steps, types.PlanStep{Tool: waitName, Input: waitInput})
			if prior != "" {
				spec.Dependencies = append(spec.Dependencies, types.Dependency{
					Dependent: waitName, Prerequisite: prior, Kind: types.DependencyRequired,
				})
			}
			prior = waitName
		}

		input := types.ToolInput{}
		if step.Target != "" {
			input["css_selector"] = step.Target
			input["url"] = step.Target
		}
		if step.Value != "" {
			input["text"] = step.Value
			input["value"] = step.Value
		}
		if step.Options.TimeoutMs > 0 {
			input["timeout_ms"] = step.Options.TimeoutMs
		}

		stepName := tool
		spec.Steps = append(spec.Steps, types.PlanStep{Tool: stepName, Input: input})

		if prior != "" {
			dep := types.Dependency{
				Dependent:    stepName,
				Prerequisite: prior,
				Kind:         types.DependencyRequired,
				MaxAttempts:  step.Options.RetryCount,
			}
			if step.Options.TimeoutMs > 0 {
				dep.Timeout = time.Duration(step.Options.TimeoutMs) * time.Millisecond
			}
			spec.Dependencies = append(spec.Dependencies, dep)
		}
		prior = stepName
	}

	return spec, nil
}
