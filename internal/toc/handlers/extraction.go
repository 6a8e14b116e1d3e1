// Extraction handlers generalize internal/mcp/navigation_links.go's
// GetNavigationLinksTool and internal/mcp/navigation_elements.go's
// interactive-element scan from bespoke MCP tools into DataExtraction
// category ToolHandlers driven by ExecuteScript.
package handlers

import (
	"context"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

// ExtractText returns the text content of css_selector, or the whole
// document body when css_selector is empty.
func ExtractText(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		text, err := session.ExecuteScript(ctx, `() => document.body.innerText`)
		if err != nil {
			return types.Failure(asError(err))
		}
		s, _ := text.(string)
		return types.Success(map[string]interface{}{"text": s})
	}
	text, err := session.GetText(ctx, selector)
	if err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{"text": text})
}

// ExtractLinks returns every anchor's href and text, optionally restricted
// to same-origin links.
func ExtractLinks(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	internalOnly := boolField(input, "internal_only")
	script := `(internalOnly) => {
		const origin = window.location.origin;
		return Array.from(document.querySelectorAll('a[href]')).map(a => ({
			href: a.href, text: (a.textContent || '').trim().slice(0, 120),
			internal: a.href.startsWith(origin),
		})).filter(l => !internalOnly || l.internal);
	}`
	result, err := session.ExecuteScript(ctx, script, internalOnly)
	if err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{"links": result})
}

// ExtractData runs a caller-supplied extraction script and returns its
// result verbatim, for shapes the other extraction tools don't cover.
func ExtractData(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	script := stringField(input, "script")
	if script == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "script is required"))
	}
	result, err := session.ExecuteScript(ctx, script)
	if err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{"data": result})
}

// ExtractTable parses an HTML <table> matched by css_selector into rows of
// cell text.
func ExtractTable(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector is required"))
	}
	script := `(sel) => {
		const table = document.querySelector(sel);
		if (!table) return null;
		return Array.from(table.querySelectorAll('tr')).map(tr =>
			Array.from(tr.querySelectorAll('th,td')).map(cell => (cell.textContent || '').trim())
		);
	}`
	result, err := session.ExecuteScript(ctx, script, selector)
	if err != nil {
		return types.Failure(asError(err))
	}
	if result == nil {
		return types.Failure(types.NewError(types.ErrElementNotFound, "table not found"))
	}
	return types.Success(map[string]interface{}{"rows": result})
}

// ExtractForm returns every field name/value/type within a <form> matched
// by css_selector.
func ExtractForm(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector is required"))
	}
	script := `(sel) => {
		const form = document.querySelector(sel);
		if (!form) return null;
		return Array.from(form.querySelectorAll('input,select,textarea')).map(f => ({
			name: f.name || f.id || '', type: f.type || f.tagName.toLowerCase(), value: f.value || '',
		}));
	}`
	result, err := session.ExecuteScript(ctx, script, selector)
	if err != nil {
		return types.Failure(asError(err))
	}
	if result == nil {
		return types.Failure(types.NewError(types.ErrElementNotFound, "form not found"))
	}
	return types.Success(map[string]interface{}{"fields": result})
}
