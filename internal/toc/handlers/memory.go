// Memory-category handlers operate on the page's own storage areas rather
// than the executor's Result Cache: they let a plan carry state across
// steps (and, for persistent_cache, across sessions on the same origin)
// the same way a human operator would stash values in sessionStorage or
// localStorage while driving a page by hand.
package handlers

import (
	"context"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

// SessionMemory reads or writes a key in window.sessionStorage depending on
// whether input["value"] is present.
func SessionMemory(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	key := stringField(input, "key")
	if key == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "key is required"))
	}
	if value, present := input["value"]; present {
		strVal := stringField(input, "value")
		_, err := session.ExecuteScript(ctx, `(k, v) => { sessionStorage.setItem(k, v); return true; }`, key, strVal)
		if err != nil {
			return types.Failure(asError(err))
		}
		return types.Success(map[string]interface{}{"stored": key, "value": value})
	}
	result, err := session.ExecuteScript(ctx, `(k) => sessionStorage.getItem(k)`, key)
	if err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{"key": key, "value": result})
}

// HistoryTracker reports the session's navigation-history length and the
// current entry's title and URL, via the History and Performance APIs.
func HistoryTracker(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	script := `() => ({
		length: history.length,
		title: document.title,
		url: window.location.href,
	})`
	result, err := session.ExecuteScript(ctx, script)
	if err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(result)
}

// PersistentCache reads or writes a key in window.localStorage, which
// survives across sessions on the same origin, unlike session_memory.
func PersistentCache(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	key := stringField(input, "key")
	if key == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "key is required"))
	}
	if value, present := input["value"]; present {
		strVal := stringField(input, "value")
		_, err := session.ExecuteScript(ctx, `(k, v) => { localStorage.setItem(k, v); return true; }`, key, strVal)
		if err != nil {
			return types.Failure(asError(err))
		}
		return types.Success(map[string]interface{}{"stored": key, "value": value})
	}
	result, err := session.ExecuteScript(ctx, `(k) => localStorage.getItem(k)`, key)
	if err != nil {
		return types.Failure(asError(err))
	}
	return types.Success(map[string]interface{}{"key": key, "value": result})
}
