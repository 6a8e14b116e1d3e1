// Default tool descriptors bind each handler in this package to the
// Schema, Category, and caching/session metadata the Dependency Graph and
// Plan Executor need to drive it, generalizing ExecutePlanTool's flat
// action switch (internal/mcp/automation_tools.go) into a registrable set
// of types.ToolDescriptor values.
package handlers

import (
	"time"

	"browsernerd-mcp-server/internal/docker"
	"browsernerd-mcp-server/internal/toc/registry"
	"browsernerd-mcp-server/internal/toc/types"
)

const (
	defaultTimeout  = 30 * time.Second
	extractCacheTTL = 2 * time.Second
)

func field(name string, required bool, kind types.FieldKind) types.FieldSchema {
	return types.FieldSchema{Name: name, Required: required, Kind: kind}
}

func schema(fields ...types.FieldSchema) types.Schema {
	return types.Schema{Fields: fields}
}

// Defaults returns the full set of built-in tool descriptors. dockerClient
// may be nil; when nil, diagnose_page falls back to correlation-key
// extraction without backend log matching.
func Defaults(dockerClient *docker.Client) []types.ToolDescriptor {
	return []types.ToolDescriptor{
		{
			Name: "navigate", Category: types.CategoryNavigation,
			Description: "Navigate the page to a URL and wait for load.",
			Schema:      schema(field("url", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"navigation"}, Handler: Navigate,
		},
		{
			Name: "refresh", Category: types.CategoryNavigation,
			Description: "Reload the current page.",
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"navigation"}, Handler: Refresh,
		},
		{
			Name: "go_back", Category: types.CategoryNavigation,
			Description: "Navigate one entry back in session history.",
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"navigation"}, Handler: GoBack,
		},
		{
			Name: "go_forward", Category: types.CategoryNavigation,
			Description: "Navigate one entry forward in session history.",
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"navigation"}, Handler: GoForward,
		},
		{
			Name: "scroll", Category: types.CategoryInteraction,
			Description: "Scroll the page, optionally to an element.",
			Schema: schema(
				field("css_selector", false, types.KindString),
				field("dx", false, types.KindInt),
				field("dy", false, types.KindInt),
			),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"interaction"}, Handler: Scroll,
		},
		{
			Name: "click", Category: types.CategoryInteraction,
			Description: "Click an element matched by CSS selector.",
			Schema:      schema(field("css_selector", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"interaction"}, Handler: Click,
		},
		{
			Name: "type_text", Category: types.CategoryInteraction,
			Description: "Clear and type text into an input element.",
			Schema: schema(
				field("css_selector", true, types.KindString),
				field("text", false, types.KindString),
			),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"interaction"}, Handler: TypeText,
		},
		{
			Name: "select_option", Category: types.CategoryInteraction,
			Description: "Set a <select> element's value.",
			Schema: schema(
				field("css_selector", true, types.KindString),
				field("value", true, types.KindString),
			),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"interaction"}, Handler: SelectOption,
		},
		{
			Name: "hover", Category: types.CategoryInteraction,
			Description: "Dispatch a mouseover event on an element.",
			Schema:      schema(field("css_selector", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"interaction"}, Handler: Hover,
		},
		{
			Name: "focus", Category: types.CategoryInteraction,
			Description: "Focus an element.",
			Schema:      schema(field("css_selector", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"interaction"}, Handler: Focus,
		},
		{
			Name: "wait_for_element", Category: types.CategorySynchronization,
			Description: "Poll for an element to appear (or disappear).",
			Schema: schema(
				field("css_selector", true, types.KindString),
				field("until_gone", false, types.KindBool),
			),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"synchronization"}, Handler: WaitForElement,
		},
		{
			Name: "wait_for_condition", Category: types.CategorySynchronization,
			Description: "Poll a JS boolean expression until true.",
			Schema:      schema(field("expression", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"synchronization"}, Handler: WaitForCondition,
		},
		{
			Name: "wait_for_navigation", Category: types.CategorySynchronization,
			Description: "Poll until the page URL changes from from_url.",
			Schema:      schema(field("from_url", false, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"synchronization"}, Handler: WaitForNavigation,
		},
		{
			Name: "wait_for_network_idle", Category: types.CategorySynchronization,
			Description: "Wait for document ready state plus a quiescence window.",
			Schema:      schema(field("quiet_ms", false, types.KindInt)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"synchronization"}, Handler: WaitForNetworkIdle,
		},
		{
			Name: "extract_text", Category: types.CategoryDataExtraction,
			Description: "Extract trimmed text content from an element.",
			Schema:      schema(field("css_selector", true, types.KindString)),
			NeedsSession: true, Cacheable: true, Idempotent: true,
			DefaultTimeout: defaultTimeout, CacheTTL: extractCacheTTL,
			Tags: []string{"data_extraction", "page_url"}, Handler: ExtractText,
		},
		{
			Name: "extract_links", Category: types.CategoryDataExtraction,
			Description: "Extract anchor hrefs, optionally filtered to same-origin.",
			Schema:      schema(field("internal_only", false, types.KindBool)),
			NeedsSession: true, Cacheable: true, Idempotent: true,
			DefaultTimeout: defaultTimeout, CacheTTL: extractCacheTTL,
			Tags: []string{"data_extraction", "page_url"}, Handler: ExtractLinks,
		},
		{
			Name: "extract_data", Category: types.CategoryDataExtraction,
			Description: "Run a caller-supplied extraction script.",
			Schema:      schema(field("script", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"data_extraction"}, Handler: ExtractData,
		},
		{
			Name: "extract_table", Category: types.CategoryDataExtraction,
			Description: "Extract a <table>'s rows and cells.",
			Schema:      schema(field("css_selector", true, types.KindString)),
			NeedsSession: true, Cacheable: true, Idempotent: true,
			DefaultTimeout: defaultTimeout, CacheTTL: extractCacheTTL,
			Tags: []string{"data_extraction", "page_url"}, Handler: ExtractTable,
		},
		{
			Name: "extract_form", Category: types.CategoryDataExtraction,
			Description: "Extract a form's field names, types, and values.",
			Schema:      schema(field("css_selector", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"data_extraction", "page_url"}, Handler: ExtractForm,
		},
		{
			Name: "screenshot", Category: types.CategoryDataExtraction,
			Description: "Capture the page as a base64-encoded PNG.",
			Schema:      schema(field("full_page", false, types.KindBool)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"data_extraction"}, Handler: Screenshot,
		},
		{
			Name: "get_element_info", Category: types.CategoryDataExtraction,
			Description: "Report an element's tag, attributes, and bounding box.",
			Schema:      schema(field("css_selector", true, types.KindString)),
			NeedsSession: true, Cacheable: true, Idempotent: true,
			DefaultTimeout: defaultTimeout, CacheTTL: extractCacheTTL,
			Tags: []string{"data_extraction", "page_url"}, Handler: GetElementInfo,
		},
		{
			Name: "session_memory", Category: types.CategoryMemory,
			Description: "Get or set a key in window.sessionStorage.",
			Schema:      schema(field("key", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"memory"}, Handler: SessionMemory,
		},
		{
			Name: "history_tracker", Category: types.CategoryMemory,
			Description: "Report navigation-history length, title, and URL.",
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"memory"}, Handler: HistoryTracker,
		},
		{
			Name: "persistent_cache", Category: types.CategoryMemory,
			Description: "Get or set a key in window.localStorage.",
			Schema:      schema(field("key", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"memory"}, Handler: PersistentCache,
		},
		{
			Name: "intelligent_action", Category: types.CategoryIntelligentAction,
			Description: "Resolve a target by description via ranked strategies, then act.",
			Schema: schema(
				field("target_description", false, types.KindString),
				field("css_selector", false, types.KindString),
				field("sub_action", false, types.KindString),
				field("text", false, types.KindString),
			),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"intelligent_action"}, Handler: IntelligentAction,
		},
		{
			Name: "create_test_fixture", Category: types.CategorySyntheticFixture,
			Description: "Capture a named DOM/URL/title snapshot for regression fixtures.",
			Schema:      schema(field("name", true, types.KindString)),
			NeedsSession: true, DefaultTimeout: defaultTimeout,
			Tags: []string{"synthetic_fixture"}, Handler: CreateTestFixture,
		},
		{
			Name: "diagnose_page", Category: types.CategoryMonitoring,
			Description: "Correlate a browser-side error with backend container logs.",
			Schema: schema(
				field("error_text", true, types.KindString),
				field("log_window_seconds", false, types.KindInt),
			),
			NeedsSession: false, DefaultTimeout: defaultTimeout,
			Tags: []string{"monitoring"}, Handler: NewDiagnosePageHandler(dockerClient),
		},
	}
}

// RegisterDefaults registers every built-in descriptor into reg, returning
// the first registration error encountered.
func RegisterDefaults(reg *registry.Registry, dockerClient *docker.Client) error {
	for _, desc := range Defaults(dockerClient) {
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}
