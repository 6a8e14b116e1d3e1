// DiagnosePage is a Monitoring-category handler that correlates a page's
// recent console/network error text with backend container logs, using
// internal/correlation to extract request/trace identifiers from the error
// message and internal/docker to pull the matching backend log lines.
// Grounded on the same full-stack correlation concern the teacher's Mangle
// facts (internal/browser/session_manager.go's captureDOMFacts) feed into
// BrowserReasonTool/DiagnosePageTool, generalized into a pooled handler
// that doesn't depend on the Mangle engine directly.
package handlers

import (
	"context"
	"time"

	"browsernerd-mcp-server/internal/correlation"
	"browsernerd-mcp-server/internal/docker"
	"browsernerd-mcp-server/internal/toc/types"
)

// NewDiagnosePageHandler binds a docker log client into a ToolHandler.
// dockerClient may be nil, in which case diagnosis degrades to
// correlation-key extraction without backend log matching.
func NewDiagnosePageHandler(dockerClient *docker.Client) types.ToolHandler {
	return func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
		errorText := stringField(input, "error_text")
		if errorText == "" {
			return types.Failure(types.NewError(types.ErrInvalidInput, "error_text is required"))
		}
		windowSec := intField(input, "log_window_seconds", 60)

		keys := correlation.FromMessage(errorText)
		out := map[string]interface{}{
			"correlation_keys": keysToMaps(keys),
		}

		if dockerClient == nil {
			return types.Success(out)
		}

		since := time.Now().Add(-time.Duration(windowSec) * time.Second)
		logs, err := dockerClient.QueryLogs(ctx, since)
		if err != nil {
			out["docker_error"] = err.Error()
			return types.Success(out)
		}

		errors := dockerClient.FilterErrors(logs)
		matched := matchByCorrelation(errors, keys)
		out["backend_errors"] = len(errors)
		out["correlated_entries"] = logEntriesToMaps(matched)
		out["health"] = dockerClient.AnalyzeHealth(logs)

		return types.Success(out)
	}
}

func keysToMaps(keys []correlation.Key) []map[string]string {
	out := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]string{"type": k.Type, "value": k.Value})
	}
	return out
}

func logEntriesToMaps(entries []docker.LogEntry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"container": e.Container,
			"timestamp": e.Timestamp,
			"level":     e.Level,
			"message":   e.Message,
		})
	}
	return out
}

// matchByCorrelation keeps only log entries whose message shares at least
// one correlation key with the browser-side error.
func matchByCorrelation(entries []docker.LogEntry, keys []correlation.Key) []docker.LogEntry {
	if len(keys) == 0 {
		return nil
	}
	var out []docker.LogEntry
	for _, e := range entries {
		entryKeys := correlation.FromMessage(e.Message)
		if sharesKey(keys, entryKeys) {
			out = append(out, e)
		}
	}
	return out
}

func sharesKey(a, b []correlation.Key) bool {
	for _, ka := range a {
		for _, kb := range b {
			if ka.Type == kb.Type && ka.Value == kb.Value {
				return true
			}
		}
	}
	return false
}
