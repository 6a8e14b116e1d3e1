// IntelligentAction implements the confidence-scored, multi-strategy
// element resolution supplemented from original_source's
// src/intelligent_action module (see SPEC_FULL.md, SUPPLEMENTED FEATURES):
// rather than failing on the first missed selector, it tries a ranked list
// of resolution strategies and reports a confidence per strategy attempted,
// then performs the requested sub-action through whichever strategy
// resolved an element first.
package handlers

import (
	"context"
	"fmt"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

type strategyAttempt struct {
	Strategy   string  `json:"strategy"`
	Selector   string  `json:"selector"`
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
}

// candidateSelectors ranks resolution strategies from most to least
// specific, mirroring the fallback order in
// internal/mcp/helpers.go's findElementByRefWithRegistry.
func candidateSelectors(description, hint string) []strategyAttempt {
	var out []strategyAttempt
	if hint != "" {
		out = append(out, strategyAttempt{Strategy: "exact_selector", Selector: hint, Confidence: 0.95})
	}
	if description != "" {
		out = append(out,
			strategyAttempt{Strategy: "data_testid", Selector: fmt.Sprintf(`[data-testid="%s"]`, description), Confidence: 0.85},
			strategyAttempt{Strategy: "aria_label", Selector: fmt.Sprintf(`[aria-label="%s"]`, description), Confidence: 0.75},
			strategyAttempt{Strategy: "text_content", Selector: fmt.Sprintf(`*:has-text("%s")`, description), Confidence: 0.5},
			strategyAttempt{Strategy: "id_guess", Selector: "#" + description, Confidence: 0.4},
		)
	}
	return out
}

// IntelligentAction resolves a target by description/hint, then performs
// sub_action ("click", "type", or "get_text") against the first strategy
// that matches an element.
func IntelligentAction(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	description := stringField(input, "target_description")
	hint := stringField(input, "css_selector")
	subAction := stringField(input, "sub_action")
	if subAction == "" {
		subAction = "click"
	}
	if description == "" && hint == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "target_description or css_selector is required"))
	}

	attempts := candidateSelectors(description, hint)
	var resolved *strategyAttempt
	for i := range attempts {
		exists, err := session.ElementExists(ctx, attempts[i].Selector)
		if err != nil {
			continue
		}
		attempts[i].Matched = exists
		if exists && resolved == nil {
			resolved = &attempts[i]
		}
	}

	if resolved == nil {
		return types.Failure(&types.Error{
			Kind:   types.ErrElementNotFound,
			Reason: "no resolution strategy matched an element",
		})
	}

	var err error
	switch subAction {
	case "click":
		err = session.Click(ctx, resolved.Selector)
	case "type":
		err = session.Type(ctx, resolved.Selector, stringField(input, "text"))
	case "get_text":
		var text string
		text, err = session.GetText(ctx, resolved.Selector)
		if err == nil {
			return types.Success(map[string]interface{}{
				"text": text, "resolved_by": resolved.Strategy, "confidence": resolved.Confidence, "attempts": attempts,
			})
		}
	default:
		return types.Failure(types.NewError(types.ErrInvalidInput, "unsupported sub_action: "+subAction))
	}
	if err != nil {
		return types.Failure(asError(err))
	}

	return types.Success(map[string]interface{}{
		"resolved_by": resolved.Strategy,
		"selector":    resolved.Selector,
		"confidence":  resolved.Confidence,
		"attempts":    attempts,
	})
}
