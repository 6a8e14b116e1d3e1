package registry

import (
	"context"
	"testing"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

func stubHandler(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
	return types.Success(map[string]interface{}{"ok": true})
}

func stubDescriptor(name types.ToolName, category types.ToolCategory) types.ToolDescriptor {
	return types.ToolDescriptor{
		Name:     name,
		Category: category,
		Handler:  stubHandler,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register(stubDescriptor("click", types.CategoryInteraction)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	desc, err := r.Lookup("click")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if desc.Name != "click" {
		t.Errorf("expected name click, got %q", desc.Name)
	}
	if desc.Category != types.CategoryInteraction {
		t.Errorf("expected category interaction, got %q", desc.Category)
	}
}

func TestLookupUnknownTool(t *testing.T) {
	r := New()
	if _, err := r.Lookup("does_not_exist"); err == nil {
		t.Fatal("expected error looking up unregistered tool")
	} else if terr, ok := err.(*types.Error); !ok || terr.Kind != types.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New()
	if err := r.Register(stubDescriptor("click", types.CategoryInteraction)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(stubDescriptor("click", types.CategoryInteraction))
	if err == nil {
		t.Fatal("expected AlreadyRegistered on duplicate name")
	}
	if terr, ok := err.(*types.Error); !ok || terr.Kind != types.ErrAlreadyRegistered {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegisterRejectsUnknownCategory(t *testing.T) {
	r := New()
	err := r.Register(stubDescriptor("click", types.ToolCategory("not_a_category")))
	if err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestRegisterRejectsNilHandler(t *testing.T) {
	r := New()
	err := r.Register(types.ToolDescriptor{Name: "click", Category: types.CategoryInteraction})
	if err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRegistrationOrderIsStable(t *testing.T) {
	r := New()
	names := []types.ToolName{"navigate", "click", "extract_text"}
	for _, n := range names {
		if err := r.Register(stubDescriptor(n, types.CategoryInteraction)); err != nil {
			t.Fatalf("Register(%s): %v", n, err)
		}
	}
	for i, n := range names {
		if got := r.RegistrationOrder(n); got != i {
			t.Errorf("RegistrationOrder(%s) = %d, want %d", n, got, i)
		}
	}
	if got := r.RegistrationOrder("unregistered"); got != -1 {
		t.Errorf("RegistrationOrder(unregistered) = %d, want -1", got)
	}
}

func TestSnapshotIsImmutableAcrossRegistration(t *testing.T) {
	r := New()
	if err := r.Register(stubDescriptor("navigate", types.CategoryNavigation)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	before := r.List()
	if err := r.Register(stubDescriptor("click", types.CategoryInteraction)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(before) != 1 {
		t.Errorf("snapshot taken before second Register should still have 1 entry, got %d", len(before))
	}
	if len(r.List()) != 2 {
		t.Errorf("expected 2 entries after second Register, got %d", len(r.List()))
	}
}

func TestListByCategory(t *testing.T) {
	r := New()
	for _, n := range []types.ToolName{"navigate", "refresh", "click"} {
		cat := types.CategoryNavigation
		if n == "click" {
			cat = types.CategoryInteraction
		}
		if err := r.Register(stubDescriptor(n, cat)); err != nil {
			t.Fatalf("Register(%s): %v", n, err)
		}
	}
	nav := r.ListByCategory(types.CategoryNavigation)
	if len(nav) != 2 {
		t.Fatalf("expected 2 navigation tools, got %d", len(nav))
	}
	if nav[0].Name != "navigate" || nav[1].Name != "refresh" {
		t.Errorf("expected alphabetical order [navigate, refresh], got [%s, %s]", nav[0].Name, nav[1].Name)
	}
}

func TestValidateSchemaRequiredField(t *testing.T) {
	schema := types.Schema{Fields: []types.FieldSchema{
		{Name: "url", Required: true, Kind: types.KindString},
	}}

	if err := ValidateSchema(schema, types.ToolInput{"url": "https://example.com"}); err != nil {
		t.Errorf("expected valid input to pass, got %v", err)
	}

	err := ValidateSchema(schema, types.ToolInput{})
	if err == nil {
		t.Fatal("expected error for missing required field")
	}
	terr, ok := err.(*types.Error)
	if !ok || terr.Kind != types.ErrInvalidInput || terr.Field != "url" {
		t.Errorf("expected InvalidInput on field url, got %v", err)
	}
}

func TestValidateSchemaKindMismatch(t *testing.T) {
	schema := types.Schema{Fields: []types.FieldSchema{
		{Name: "full_page", Kind: types.KindBool},
	}}
	if err := ValidateSchema(schema, types.ToolInput{"full_page": "not-a-bool"}); err == nil {
		t.Fatal("expected error for kind mismatch")
	}
}

func TestValidateSchemaEnum(t *testing.T) {
	schema := types.Schema{Fields: []types.FieldSchema{
		{Name: "sub_action", Kind: types.KindString, Enum: []string{"click", "type", "get_text"}},
	}}
	if err := ValidateSchema(schema, types.ToolInput{"sub_action": "click"}); err != nil {
		t.Errorf("expected enum match to pass, got %v", err)
	}
	if err := ValidateSchema(schema, types.ToolInput{"sub_action": "delete"}); err == nil {
		t.Fatal("expected error for value outside enum")
	}
}

func TestValidateSchemaOptionalFieldAbsent(t *testing.T) {
	schema := types.Schema{Fields: []types.FieldSchema{
		{Name: "timeout_ms", Required: false, Kind: types.KindInt},
	}}
	if err := ValidateSchema(schema, types.ToolInput{}); err != nil {
		t.Errorf("expected absent optional field to pass, got %v", err)
	}
}
