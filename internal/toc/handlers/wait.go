package handlers

import (
	"context"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

const pollInterval = 200 * time.Millisecond

// pollUntil polls check every pollInterval until it returns true, ctx is
// cancelled, or deadline passes, matching the spec's "deadline-checked
// suspension point at timed polls" concurrency rule.
func pollUntil(ctx context.Context, deadline time.Time, check func() (bool, error)) (bool, error) {
	for {
		ok, err := check()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, nil
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitForElement polls until css_selector exists in the DOM.
func WaitForElement(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	selector := stringField(input, "css_selector")
	if selector == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "css_selector is required"))
	}
	found, err := pollUntil(ctx, deadline, func() (bool, error) {
		return session.ElementExists(ctx, selector)
	})
	if err != nil {
		return types.Failure(asError(err))
	}
	if !found {
		return types.Failure(types.NewError(types.ErrTimeout, "element did not appear before deadline"))
	}
	return types.Success(map[string]interface{}{"appeared": selector})
}

// WaitForCondition polls a boolean JavaScript expression.
func WaitForCondition(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	expr := stringField(input, "expression")
	if expr == "" {
		return types.Failure(types.NewError(types.ErrInvalidInput, "expression is required"))
	}
	ok, err := pollUntil(ctx, deadline, func() (bool, error) {
		result, err := session.ExecuteScript(ctx, "() => ("+expr+")")
		if err != nil {
			return false, err
		}
		truthy, _ := result.(bool)
		return truthy, nil
	})
	if err != nil {
		return types.Failure(asError(err))
	}
	if !ok {
		return types.Failure(types.NewError(types.ErrTimeout, "condition was not satisfied before deadline"))
	}
	return types.Success(map[string]interface{}{"condition": expr, "satisfied": true})
}

// WaitForNavigation polls CurrentURL until it differs from from_url.
func WaitForNavigation(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	from := stringField(input, "from_url")
	var observed string
	ok, err := pollUntil(ctx, deadline, func() (bool, error) {
		url, err := session.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		observed = url
		return url != from, nil
	})
	if err != nil {
		return types.Failure(asError(err))
	}
	if !ok {
		return types.Failure(types.NewError(types.ErrTimeout, "navigation did not occur before deadline"))
	}
	return types.Success(map[string]interface{}{"final_url": observed})
}

// WaitForNetworkIdle polls document.readyState and a short quiescence
// window via performance entries, since BrowserCapability exposes no raw
// network-event stream to handlers (that lives behind the Resource Pool's
// session, in internal/browser's event throttler).
func WaitForNetworkIdle(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	quietMs := intField(input, "quiet_ms", 500)
	script := `() => document.readyState === 'complete' && performance.getEntriesByType('resource').filter(e => !e.responseEnd).length === 0`
	ok, err := pollUntil(ctx, deadline, func() (bool, error) {
		result, err := session.ExecuteScript(ctx, script)
		if err != nil {
			return false, err
		}
		idle, _ := result.(bool)
		return idle, nil
	})
	if err != nil {
		return types.Failure(asError(err))
	}
	if !ok {
		return types.Failure(types.NewError(types.ErrTimeout, "network did not go idle before deadline"))
	}
	timer := time.NewTimer(time.Duration(quietMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return types.Failure(asError(ctx.Err()))
	case <-timer.C:
	}
	return types.Success(map[string]interface{}{"idle": true})
}
