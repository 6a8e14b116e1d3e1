// Package handlers implements the Tool Handlers: the category-specific
// ToolHandler closures that the Tool Registry holds descriptors for.
// Every handler is a thin adapter over a types.BrowserCapability; none of
// them touch *rod.Page or a Session directly, so they run unchanged against
// the live adapter (internal/browser.Capability) or a test double.
// Grounded on the action-type switch inside internal/mcp/automation_tools.go's
// ExecutePlanTool, split one case per tool the way the teacher's other
// internal/mcp/navigation_*.go files split one file per concern.
package handlers

import (
	"context"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

func stringField(input types.ToolInput, name string) string {
	v, _ := input[name].(string)
	return v
}

func boolField(input types.ToolInput, name string) bool {
	v, _ := input[name].(bool)
	return v
}

func intField(input types.ToolInput, name string, def int) int {
	switch v := input[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Navigate moves the session to a new URL and reports the resulting
// location, which the executor uses to invalidate page-scoped cache
// entries.
func Navigate(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	url := stringField(input, "url")
	if url == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "url is required"))
	}
	if err := session.Navigate(ctx, url); err != nil {
		return types.Failure(asError(err))
	}
	finalURL, err := session.CurrentURL(ctx)
	if err != nil {
		finalURL = url
	}
	return types.Success(map[string]interface{}{"requested_url": url, "final_url": finalURL})
}

// Refresh reloads the current page.
func Refresh(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	if err := session.Refresh(ctx); err != nil {
		return types.Failure(asError(err))
	}
	url, _ := session.CurrentURL(ctx)
	return types.Success(map[string]interface{}{"final_url": url})
}

// GoBack navigates one entry back in session history.
func GoBack(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	if err := session.GoBack(ctx); err != nil {
		return types.Failure(asError(err))
	}
	url, _ := session.CurrentURL(ctx)
	return types.Success(map[string]interface{}{"final_url": url})
}

// GoForward navigates one entry forward in session history.
func GoForward(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	if err := session.GoForward(ctx); err != nil {
		return types.Failure(asError(err))
	}
	url, _ := session.CurrentURL(ctx)
	return types.Success(map[string]interface{}{"final_url": url})
}

// Scroll moves the viewport by a relative offset, or to an element when a
// css_selector is given, via ExecuteScript since BrowserCapability has no
// dedicated scroll primitive.
func Scroll(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	if selector := stringField(input, "css_selector"); selector != "" {
		script := `(sel) => { const el = document.querySelector(sel); if (!el) return false; el.scrollIntoView({block: "center"}); return true; }`
		result, err := session.ExecuteScript(ctx, script, selector)
		if err != nil {
			return types.Failure(asError(err))
		}
		found, _ := result.(bool)
		if !found {
			return types.Failure(types.NewError(types.ErrElementNotFound, "scroll target not found"))
		}
		return types.Success(map[string]interface{}{"scrolled_to": selector})
	}

	dx := intField(input, "dx", 0)
	dy := intField(input, "dy", 0)
	script := `(dx, dy) => { window.scrollBy(dx, dy); return [window.scrollX, window.scrollY]; }`
	result, err := session.ExecuteScript(ctx, script, dx, dy)
	if err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{"position": result})
}

func asError(err error) *types.Error {
	if tErr, ok := err.(*types.Error); ok {
		return tErr
	}
	return types.WrapError(types.ErrScriptError, err)
}
