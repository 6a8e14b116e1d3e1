package mcp

import (
	"context"
	"fmt"
	"time"

	"browsernerd-mcp-server/internal/browser"
	"browsernerd-mcp-server/internal/toc/types"
)

// capabilityFor wraps sessionID's tracked page as a types.BrowserCapability,
// the same adapter the orchestration core's pool uses, so the single-session
// MCP tools exercise exactly the internal/toc/handlers logic the staged
// executor does instead of a second, hand-rolled Rod call path.
func capabilityFor(sessions *browser.SessionManager, sessionID string) (types.BrowserCapability, error) {
	page, ok := sessions.Page(sessionID)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return browser.NewCapability(sessionID, page, sessions.Registry(sessionID)), nil
}

// deadlineFor mirrors the executor's per-tool deadline derivation
// (executor.go's timeout wiring) for the single-shot MCP tools that call a
// handler directly instead of going through a staged Execute.
func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(timeout)
}

// toolOutputToResult flattens a types.ToolOutput into the map[string]interface{}
// shape every MCP tool in this package returns: {"success": bool, ...} on
// success (value fields merged in when it's a map, else carried as "result"),
// or {"success": false, "error": ...} on failure.
func toolOutputToResult(out types.ToolOutput) map[string]interface{} {
	if !out.IsSuccess() {
		return map[string]interface{}{"success": false, "error": out.Err.Error()}
	}
	result := map[string]interface{}{"success": true}
	if m, ok := out.Value.(map[string]interface{}); ok {
		for k, v := range m {
			result[k] = v
		}
		return result
	}
	if out.Value != nil {
		result["result"] = out.Value
	}
	return result
}
