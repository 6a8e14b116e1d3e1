package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"browsernerd-mcp-server/internal/toc/types"

	"github.com/go-rod/rod"
)

// Capability adapts one tracked *rod.Page into the orchestration core's
// types.BrowserCapability contract. Tool handlers never touch *rod.Page
// directly; they go through this adapter so the Plan Executor can pool,
// retry, and destroy sessions without knowing about Rod. Grounded on the
// action-type switch in internal/mcp/automation_tools.go's ExecutePlanTool
// and the element lookup in helpers.go's findElementByRefWithRegistry.
type Capability struct {
	id       string
	page     *rod.Page
	registry *ElementRegistry
}

// NewCapability wraps page as a BrowserCapability for sessionID.
func NewCapability(sessionID string, page *rod.Page, registry *ElementRegistry) *Capability {
	return &Capability{id: sessionID, page: page, registry: registry}
}

func (c *Capability) ID() string { return c.id }

func (c *Capability) withDeadline(ctx context.Context) *rod.Page {
	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			timeout = remaining
		}
	}
	return c.page.Context(ctx).Timeout(timeout)
}

func (c *Capability) Navigate(ctx context.Context, url string) error {
	page := c.withDeadline(ctx)
	if err := page.Navigate(url); err != nil {
		return classifyPageError(err)
	}
	if err := page.WaitLoad(); err != nil {
		return classifyPageError(err)
	}
	return nil
}

func (c *Capability) CurrentURL(ctx context.Context) (string, error) {
	info, err := c.withDeadline(ctx).Info()
	if err != nil {
		return "", classifyPageError(err)
	}
	return info.URL, nil
}

func (c *Capability) GoBack(ctx context.Context) error {
	if err := c.withDeadline(ctx).NavigateBack(); err != nil {
		return classifyPageError(err)
	}
	return nil
}

func (c *Capability) GoForward(ctx context.Context) error {
	if err := c.withDeadline(ctx).NavigateForward(); err != nil {
		return classifyPageError(err)
	}
	return nil
}

func (c *Capability) Refresh(ctx context.Context) error {
	if err := c.withDeadline(ctx).Reload(); err != nil {
		return classifyPageError(err)
	}
	return nil
}

func (c *Capability) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := resolveElement(c.withDeadline(ctx), selector, c.registry)
	if err != nil {
		return nil, &types.Error{Kind: types.ErrElementNotFound, Field: "selector", Reason: err.Error()}
	}
	return el, nil
}

// resolveElement is the Capability-local counterpart of
// internal/mcp/helpers.go's findElementByRefWithRegistry: prefixed refs
// (testid:, aria:) first, then the session's fingerprint registry, then the
// selector taken as plain CSS. Kept independent of internal/mcp to avoid an
// import cycle (internal/mcp already depends on internal/browser).
func resolveElement(page *rod.Page, ref string, registry *ElementRegistry) (*rod.Element, error) {
	timeout := 2 * time.Second

	if strings.HasPrefix(ref, "testid:") {
		testID := strings.TrimPrefix(ref, "testid:")
		if el, err := page.Timeout(timeout).Element(`[data-testid="` + testID + `"]`); err == nil {
			return el, nil
		}
		if el, err := page.Timeout(timeout).Element(`[data-test-id="` + testID + `"]`); err == nil {
			return el, nil
		}
	}

	if strings.HasPrefix(ref, "aria:") {
		if el, err := page.Timeout(timeout).Element(`[aria-label="` + strings.TrimPrefix(ref, "aria:") + `"]`); err == nil {
			return el, nil
		}
	}

	var fp *ElementFingerprint
	if registry != nil {
		fp = registry.Get(ref)
	}
	if fp != nil {
		if fp.DataTestID != "" {
			if el, err := page.Timeout(timeout).Element(`[data-testid="` + fp.DataTestID + `"]`); err == nil {
				return el, nil
			}
		}
		if fp.AriaLabel != "" {
			if el, err := page.Timeout(timeout).Element(`[aria-label="` + fp.AriaLabel + `"]`); err == nil {
				return el, nil
			}
		}
		if fp.ID != "" {
			if el, err := page.Timeout(timeout).Element("#" + fp.ID); err == nil {
				return el, nil
			}
		}
		if fp.Name != "" {
			if el, err := page.Timeout(timeout).Element(`[name="` + fp.Name + `"]`); err == nil {
				return el, nil
			}
		}
	}

	el, err := page.Timeout(timeout).Element(ref)
	if err != nil {
		return nil, fmt.Errorf("element not found: %s", ref)
	}
	return el, nil
}

func (c *Capability) Click(ctx context.Context, selector string) error {
	el, err := c.element(ctx, selector)
	if err != nil {
		return err
	}
	visible, err := el.Visible()
	if err != nil {
		return classifyPageError(err)
	}
	if !visible {
		return &types.Error{Kind: types.ErrElementNotInteractable, Field: "selector", Reason: "element is not visible"}
	}
	if err := el.Click("left", 1); err != nil {
		return classifyPageError(err)
	}
	return nil
}

func (c *Capability) Type(ctx context.Context, selector, text string) error {
	el, err := c.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(text); err != nil {
		return classifyPageError(err)
	}
	return nil
}

func (c *Capability) Clear(ctx context.Context, selector string) error {
	el, err := c.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return classifyPageError(err)
	}
	if err := el.Input(""); err != nil {
		return classifyPageError(err)
	}
	return nil
}

func (c *Capability) ElementExists(ctx context.Context, selector string) (bool, error) {
	_, err := c.element(ctx, selector)
	if err != nil {
		if tErr, ok := err.(*types.Error); ok && tErr.Kind == types.ErrElementNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Capability) GetText(ctx context.Context, selector string) (string, error) {
	el, err := c.element(ctx, selector)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", classifyPageError(err)
	}
	return text, nil
}

func (c *Capability) ExecuteScript(ctx context.Context, source string, args ...interface{}) (interface{}, error) {
	result, err := c.withDeadline(ctx).Eval(source, args...)
	if err != nil {
		return nil, &types.Error{Kind: types.ErrScriptError, Reason: err.Error()}
	}
	return result.Value.Val(), nil
}

func (c *Capability) Screenshot(ctx context.Context, full bool) ([]byte, error) {
	data, err := c.withDeadline(ctx).Screenshot(full, nil)
	if err != nil {
		return nil, classifyPageError(err)
	}
	return data, nil
}

func (c *Capability) Close(ctx context.Context) error {
	if err := c.page.Close(); err != nil {
		return classifyPageError(err)
	}
	return nil
}

// classifyPageError maps a Rod/CDP error into the taxonomy's network vs.
// driver_fatal split. Rod surfaces connection-loss and closed-target errors
// as plain fmt-wrapped strings, so this matches on substring the way the
// teacher's own error-presentation layer does (see helpers.go's use of
// err.Error() in tool results).
func classifyPageError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "context deadline exceeded", "timeout"):
		return &types.Error{Kind: types.ErrTimeout, Reason: msg}
	case containsAny(msg, "closed", "disconnected", "no such target", "target crashed"):
		return &types.Error{Kind: types.ErrDriverFatal, Reason: msg}
	case containsAny(msg, "net::", "connection refused", "name not resolved"):
		return &types.Error{Kind: types.ErrNetworkError, Reason: msg}
	default:
		return &types.Error{Kind: types.ErrScriptError, Reason: msg}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
