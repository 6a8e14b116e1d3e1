package handlers

import (
	"context"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

// Click clicks the element matched by css_selector, generalizing the
// "click" case of ExecutePlanTool's action switch.
func Click(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector is required"))
	}
	if err := session.Click(ctx, selector); err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{"clicked": selector})
}

// TypeText clears then types text into the element matched by css_selector.
func TypeText(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector is required"))
	}
	text := stringField(input, "text")
	if err := session.Type(ctx, selector, text); err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{"typed_into": selector, "length": len(text)})
}

// SelectOption sets a <select>'s value via script, since BrowserCapability
// exposes no dedicated select primitive.
func SelectOption(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	value := stringField(input, "value")
	if selector == "" || value == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector and value are required"))
	}
	script := `(sel, val) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.value = val;
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	}`
	result, err := session.ExecuteScript(ctx, script, selector, value)
	if err != nil {
		return types.Failure(asError(err))
	}
	found, _ := result.(bool)
	if !found {
		return types.Failure(types.NewError(types.ErrElementNotFound, "select target not found"))
	}
	return types.Success(map[string]interface{}{"selected": value})
}

// Hover moves the pointer over an element via script; Rod's native hover
// requires a live pointer device the headless session may not expose.
func Hover(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector is required"))
	}
	script := `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.dispatchEvent(new MouseEvent('mouseover', {bubbles: true}));
		return true;
	}`
	result, err := session.ExecuteScript(ctx, script, selector)
	if err != nil {
		return types.Failure(asError(err))
	}
	found, _ := result.(bool)
	if !found {
		return types.Failure(types.NewError(types.ErrElementNotFound, "hover target not found"))
	}
	return types.Success(map[string]interface{}{"hovered": selector})
}

// Focus moves keyboard focus onto an element via script.
func Focus(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector is required"))
	}
	script := `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.focus();
		return true;
	}`
	result, err := session.ExecuteScript(ctx, script, selector)
	if err != nil {
		return types.Failure(asError(err))
	}
	found, _ := result.(bool)
	if !found {
		return types.Failure(types.NewError(types.ErrElementNotFound, "focus target not found"))
	}
	return types.Success(map[string]interface{}{"focused": selector})
}
