package tools

import (
	"encoding/json"
	"testing"
)

func TestSchemaValidateArgs(t *testing.T) {
	schema := Schema{
		"digits":  {Type: "string", Required: true, MinLength: 1, MaxLength: 4},
		"loop":    {Type: "number", Minimum: floatPtr(0), Maximum: floatPtr(10)},
		"enabled": {Type: "boolean"},
		"mode":    {Type: "string", Enum: []any{"fast", "slow"}},
		"extra":   {Type: "object"},
		"list":    {Type: "array"},
	}

	tests := []struct {
		name    string
		args    Args
		wantErr bool
	}{
		{"valid minimal", Args{"digits": "12"}, false},
		{"valid full", Args{"digits": "1", "loop": 3.0, "enabled": true, "mode": "fast", "extra": map[string]any{}, "list": []any{"a"}}, false},
		{"missing required", Args{"loop": 1.0}, true},
		{"unknown field", Args{"digits": "1", "bogus": "x"}, true},
		{"wrong type string", Args{"digits": 12.0}, true},
		{"wrong type number", Args{"digits": "1", "loop": "three"}, true},
		{"wrong type boolean", Args{"digits": "1", "enabled": "yes"}, true},
		{"wrong type object", Args{"digits": "1", "extra": "not-a-map"}, true},
		{"wrong type array", Args{"digits": "1", "list": "not-a-list"}, true},
		{"too long", Args{"digits": "12345"}, true},
		{"too short", Args{"digits": ""}, true},
		{"below minimum", Args{"digits": "1", "loop": -1.0}, true},
		{"above maximum", Args{"digits": "1", "loop": 11.0}, true},
		{"enum miss", Args{"digits": "1", "mode": "medium"}, true},
		{"enum hit", Args{"digits": "1", "mode": "slow"}, false},
		{"int accepted as number", Args{"digits": "1", "loop": 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.ValidateArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaJSONSchema(t *testing.T) {
	schema := Schema{
		"digits": {Type: "string", Description: "digits to play", Required: true, MaxLength: 32},
		"loop":   {Type: "number", Minimum: floatPtr(0)},
	}

	var doc struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(schema.JSONSchema(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if doc.Type != "object" {
		t.Errorf("type = %q, want object", doc.Type)
	}
	if len(doc.Required) != 1 || doc.Required[0] != "digits" {
		t.Errorf("required = %v, want [digits]", doc.Required)
	}

	digits := doc.Properties["digits"]
	if digits["type"] != "string" || digits["description"] != "digits to play" {
		t.Errorf("digits property = %v", digits)
	}
	if digits["maxLength"] != 32.0 {
		t.Errorf("maxLength = %v, want 32", digits["maxLength"])
	}
	if loop := doc.Properties["loop"]; loop["minimum"] != 0.0 {
		t.Errorf("minimum = %v, want 0", loop["minimum"])
	}
}

func TestParseSchema_JSONSchemaForm(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account": map[string]any{"type": "string", "description": "account number"},
			"amount":  map[string]any{"type": "number", "minimum": 1},
		},
		"required": []any{"account"},
	}

	schema, err := parseSchema(params)
	if err != nil {
		t.Fatalf("parseSchema() error = %v", err)
	}

	account := schema["account"]
	if !account.Required || account.Type != "string" {
		t.Errorf("account = %+v", account)
	}
	amount := schema["amount"]
	if amount.Required {
		t.Error("amount should not be required")
	}
	if amount.Minimum == nil || *amount.Minimum != 1 {
		t.Errorf("amount.Minimum = %v, want 1", amount.Minimum)
	}
}

func TestParseSchema_FlatForm(t *testing.T) {
	params := map[string]any{
		"code": map[string]any{"type": "string", "required": true, "maxLength": 8},
	}

	schema, err := parseSchema(params)
	if err != nil {
		t.Fatalf("parseSchema() error = %v", err)
	}

	code := schema["code"]
	if !code.Required || code.MaxLength != 8 {
		t.Errorf("code = %+v", code)
	}
}

func TestParseSchema_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"non-mapping field", map[string]any{"x": "string"}},
		{"missing type", map[string]any{"x": map[string]any{"description": "no type"}}},
		{"undeclared required", map[string]any{
			"type":       "object",
			"properties": map[string]any{"x": map[string]any{"type": "string"}},
			"required":   []any{"y"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseSchema(tt.params); err == nil {
				t.Error("expected error")
			}
		})
	}
}
