// CreateTestFixture captures a reproducible snapshot of the current page
// (URL, title, and serialized DOM) so a plan's final stage can hand a
// regression fixture to an external test suite, generalizing the teacher's
// SnapshotDOM (internal/browser/session_manager.go) from a debug dump into
// a first-class SyntheticFixture tool.
package handlers

import (
	"context"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

// CreateTestFixture serializes the page's current DOM and metadata into a
// named fixture payload.
func CreateTestFixture(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	name := stringField(input, "name")
	if name == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "name is required"))
	}

	script := `() => ({
		title: document.title,
		url: window.location.href,
		html: document.documentElement.outerHTML,
		captured_at: new Date().toISOString(),
	})`
	result, err := session.ExecuteScript(ctx, script)
	if err != nil {
		return types.Failure(asError(err))
	}
	snapshot, ok := result.(map[string]interface{})
	if !ok {
		return types.Failure(types.NewError(types.ErrScriptError, "unexpected snapshot shape"))
	}

	return types.Success(map[string]interface{}{
		"fixture_name": name,
		"captured_at":  snapshot["captured_at"],
		"title":        snapshot["title"],
		"url":          snapshot["url"],
		"html":         snapshot["html"],
	})
}
