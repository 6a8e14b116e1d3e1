package handlers

import (
	"context"
	"encoding/base64"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

// Screenshot captures the current page, generalizing the "screenshot" case
// of ExecutePlanTool's action switch (internal/mcp/automation_tools.go).
func Screenshot(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	full := boolField(input, "full_page")
	data, err := session.Screenshot(ctx, full)
	if err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{
		"image_base64": base64.StdEncoding.EncodeToString(data),
		"size_bytes":   len(data),
	})
}

// GetElementInfo reports an element's tag, attributes, and bounding box,
// generalizing internal/mcp/navigation_elements.go's interactive-element
// scan to a single targeted lookup.
func GetElementInfo(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector is required"))
	}
	script := `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return null;
		const rect = el.getBoundingClientRect();
		return {
			tag: el.tagName.toLowerCase(),
			id: el.id || '',
			classes: Array.from(el.classList),
			text: (el.textContent || '').trim().slice(0, 200),
			visible: rect.width > 0 && rect.height > 0,
			bounding_box: {x: rect.x, y: rect.y, width: rect.width, height: rect.height},
		};
	}`
	result, err := session.ExecuteScript(ctx, script, selector)
	if err != nil {
		return types.Failure(asError(err))
	}
	if result == nil {
		return types.Failure(types.NewError(types.ErrElementNotFound, "element not found"))
	}
	return types.Success(result)
}
