package browser

import (
	"errors"
	"testing"

	"browsernerd-mcp-server/internal/toc/types"
)

func TestClassifyPageErrorMapsTimeout(t *testing.T) {
	err := classifyPageError(errors.New("context deadline exceeded"))
	terr, ok := err.(*types.Error)
	if !ok || terr.Kind != types.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestClassifyPageErrorMapsDriverFatal(t *testing.T) {
	for _, msg := range []string{"target closed", "websocket disconnected", "no such target", "target crashed"} {
		err := classifyPageError(errors.New(msg))
		terr, ok := err.(*types.Error)
		if !ok || terr.Kind != types.ErrDriverFatal {
			t.Errorf("message %q: expected ErrDriverFatal, got %v", msg, err)
		}
	}
}

func TestClassifyPageErrorMapsNetworkError(t *testing.T) {
	err := classifyPageError(errors.New("net::ERR_CONNECTION_REFUSED"))
	terr, ok := err.(*types.Error)
	if !ok || terr.Kind != types.ErrNetworkError {
		t.Fatalf("expected ErrNetworkError, got %v", err)
	}
}

func TestClassifyPageErrorDefaultsToScriptError(t *testing.T) {
	err := classifyPageError(errors.New("something unexpected happened"))
	terr, ok := err.(*types.Error)
	if !ok || terr.Kind != types.ErrScriptError {
		t.Fatalf("expected ErrScriptError default, got %v", err)
	}
}

func TestClassifyPageErrorNilPassesThrough(t *testing.T) {
	if err := classifyPageError(nil); err != nil {
		t.Fatalf("expected nil in, nil out, got %v", err)
	}
}

func TestContainsAny(t *testing.T) {
	if !containsAny("net::ERR_CONNECTION_REFUSED", "net::", "timeout") {
		t.Error("expected match on net:: prefix")
	}
	if containsAny("all good", "net::", "timeout") {
		t.Error("expected no match")
	}
}
