package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

func okHandler(context.Context, *ExecContext, json.RawMessage) (*models.ToolResult, error) {
	return &models.ToolResult{OK: true}, nil
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	entry := Entry{Spec: models.ToolSpec{Name: "echo"}, Handler: okHandler}
	if err := reg.Register(entry, false); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(entry, false); err == nil {
		t.Fatal("duplicate register must fail without override")
	}
	if err := reg.Register(entry, true); err != nil {
		t.Fatalf("override register: %v", err)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	reg := NewRegistry()
	entry := Entry{
		Spec: models.ToolSpec{
			Name:       "broken",
			Parameters: json.RawMessage(`{"type": 42}`),
		},
		Handler: okHandler,
	}
	if err := reg.Register(entry, false); err == nil {
		t.Fatal("malformed schema must be rejected at registration")
	}
}

func TestValidateArguments(t *testing.T) {
	reg := NewRegistry()
	entry := Entry{
		Spec: models.ToolSpec{
			Name: "greet",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"name": {"type": "string"}},
				"required": ["name"],
				"additionalProperties": false
			}`),
		},
		Handler: okHandler,
	}
	if err := reg.Register(entry, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, _ := reg.Get("greet")

	if err := got.Validate(json.RawMessage(`{"name":"ada"}`)); err != nil {
		t.Fatalf("valid arguments rejected: %v", err)
	}
	if err := got.Validate(json.RawMessage(`{}`)); err == nil {
		t.Fatal("missing required field must fail validation")
	}
	if err := got.Validate(json.RawMessage(`{"name":7}`)); err == nil {
		t.Fatal("wrong type must fail validation")
	}
	if err := got.Validate(json.RawMessage(`not json`)); err == nil {
		t.Fatal("invalid JSON must fail validation")
	}
}

func TestSchemaForDerivesValidatableSchema(t *testing.T) {
	raw := SchemaFor(&fileWriteArgs{})
	schema, err := compileSchema("file_write", raw)
	if err != nil {
		t.Fatalf("derived schema does not compile: %v", err)
	}
	var decoded any
	if err := json.Unmarshal([]byte(`{"path":"a.txt","content":"hi"}`), &decoded); err != nil {
		t.Fatal(err)
	}
	if err := schema.Validate(decoded); err != nil {
		t.Fatalf("valid file_write args rejected: %v", err)
	}
}

func TestSpecsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(Entry{Spec: models.ToolSpec{Name: name}, Handler: okHandler}, false); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	specs := reg.Specs()
	if specs[0].Name != "alpha" || specs[1].Name != "mid" || specs[2].Name != "zeta" {
		t.Fatalf("specs not sorted: %v", specs)
	}
}
