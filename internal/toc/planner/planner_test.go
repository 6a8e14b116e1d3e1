package planner

import (
	"testing"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

func TestNormalizeMapsActionTypeToToolName(t *testing.T) {
	a := New()
	spec, err := a.Normalize(PlanDocument{Steps: []StepDocument{
		{ActionType: "navigate", Target: "https://example.com"},
	}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(spec.Steps) != 1 || spec.Steps[0].Tool != "navigate" {
		t.Fatalf("expected single navigate step, got %v", spec.Steps)
	}
	if spec.Steps[0].Input["url"] != "https://example.com" {
		t.Errorf("expected target carried into url input, got %v", spec.Steps[0].Input)
	}
}

func TestNormalizeUnknownActionFails(t *testing.T) {
	a := New()
	_, err := a.Normalize(PlanDocument{Steps: []StepDocument{{ActionType: "levitate"}}})
	if err == nil {
		t.Fatal("expected error for unknown action_type")
	}
	terr, ok := err.(*types.Error)
	if !ok || terr.Kind != types.ErrUnknownAction {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestNormalizeChainsImplicitRequiredDependency(t *testing.T) {
	a := New()
	spec, err := a.Normalize(PlanDocument{Steps: []StepDocument{
		{ActionType: "navigate", Target: "https://example.com"},
		{ActionType: "click", Target: "#submit"},
	}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(spec.Dependencies) != 1 {
		t.Fatalf("expected 1 implicit dependency, got %d", len(spec.Dependencies))
	}
	dep := spec.Dependencies[0]
	if dep.Dependent != "click" || dep.Prerequisite != "navigate" || dep.Kind != types.DependencyRequired {
		t.Errorf("expected click to require navigate, got %+v", dep)
	}
}

func TestNormalizeInjectsWaitForElementBeforeInteractionStep(t *testing.T) {
	a := New()
	spec, err := a.Normalize(PlanDocument{Steps: []StepDocument{
		{ActionType: "navigate", Target: "https://example.com"},
		{ActionType: "click", Target: "#submit", Options: StepOptions{WaitForElement: true}},
	}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(spec.Steps) != 3 {
		t.Fatalf("expected navigate, wait_for_element, click — got %d steps: %v", len(spec.Steps), spec.Steps)
	}
	if spec.Steps[1].Tool != "wait_for_element" {
		t.Errorf("expected injected wait_for_element as second step, got %s", spec.Steps[1].Tool)
	}
	if spec.Steps[1].Input["css_selector"] != "#submit" {
		t.Errorf("expected injected wait step to target #submit, got %v", spec.Steps[1].Input)
	}
	if spec.Steps[2].Tool != "click" {
		t.Errorf("expected click as third step, got %s", spec.Steps[2].Tool)
	}

	var waitDepFound, clickDepFound bool
	for _, d := range spec.Dependencies {
		if d.Dependent == "wait_for_element" && d.Prerequisite == "navigate" {
			waitDepFound = true
		}
		if d.Dependent == "click" && d.Prerequisite == "wait_for_element" {
			clickDepFound = true
		}
	}
	if !waitDepFound {
		t.Error("expected wait_for_element to depend on navigate")
	}
	if !clickDepFound {
		t.Error("expected click to depend on the injected wait_for_element, not directly on navigate")
	}
}

func TestNormalizeSkipsWaitForElementInjectionWithoutTarget(t *testing.T) {
	a := New()
	spec, err := a.Normalize(PlanDocument{Steps: []StepDocument{
		{ActionType: "click", Options: StepOptions{WaitForElement: true}},
	}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(spec.Steps) != 1 {
		t.Fatalf("expected no wait_for_element injected without a target, got %v", spec.Steps)
	}
}

func TestNormalizeCarriesTimeoutAndRetryIntoDependency(t *testing.T) {
	a := New()
	spec, err := a.Normalize(PlanDocument{Steps: []StepDocument{
		{ActionType: "navigate", Target: "https://example.com"},
		{ActionType: "click", Target: "#submit", Options: StepOptions{TimeoutMs: 2000, RetryCount: 5}},
	}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	dep := spec.Dependencies[len(spec.Dependencies)-1]
	if dep.Timeout != 2*time.Second {
		t.Errorf("expected dependency timeout 2s, got %v", dep.Timeout)
	}
	if dep.MaxAttempts != 5 {
		t.Errorf("expected MaxAttempts 5, got %d", dep.MaxAttempts)
	}
}

func TestNormalizePreservesConfidenceAndComplexity(t *testing.T) {
	a := New()
	spec, err := a.Normalize(PlanDocument{
		Steps:      []StepDocument{{ActionType: "navigate", Target: "https://example.com"}},
		Confidence: 0.82,
		Complexity: "moderate",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if spec.Confidence != 0.82 || spec.Complexity != "moderate" {
		t.Errorf("expected confidence/complexity carried through, got %v/%v", spec.Confidence, spec.Complexity)
	}
}
