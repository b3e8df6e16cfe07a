package tools

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Schema describes a tool's arguments for validation and for the
// manifest advertised to the model.
type Schema map[string]Field

// Field is a single argument in the schema.
type Field struct {
	Type        string
	Description string
	Required    bool
	Enum        []any
	Minimum     *float64
	Maximum     *float64
	MinLength   int
	MaxLength   int
}

// ValidateArgs validates arguments against the schema.
func (s Schema) ValidateArgs(args Args) error {
	for fieldName, field := range s {
		val, exists := args[fieldName]

		if field.Required && !exists {
			return fmt.Errorf("missing required field: %s", fieldName)
		}
		if !exists {
			continue
		}

		if err := validateFieldType(fieldName, val, field); err != nil {
			return err
		}
	}

	for argName := range args {
		if _, ok := s[argName]; !ok {
			return fmt.Errorf("unknown field: %s", argName)
		}
	}

	return nil
}

// validateFieldType validates a field against its schema definition
func validateFieldType(fieldName string, val any, field Field) error {
	switch field.Type {
	case "string":
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", fieldName, val)
		}

		if field.MinLength > 0 && len(str) < field.MinLength {
			return fmt.Errorf("field %s: string too short (min %d)", fieldName, field.MinLength)
		}
		if field.MaxLength > 0 && len(str) > field.MaxLength {
			return fmt.Errorf("field %s: string too long (max %d)", fieldName, field.MaxLength)
		}

		if len(field.Enum) > 0 {
			found := false
			for _, allowed := range field.Enum {
				if allowedStr, ok := allowed.(string); ok && allowedStr == str {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("field %s: value not in allowed list", fieldName)
			}
		}

	case "number", "integer":
		var numVal float64
		switch v := val.(type) {
		case float64:
			numVal = v
		case int:
			numVal = float64(v)
		case int64:
			numVal = float64(v)
		default:
			return fmt.Errorf("field %s: expected number, got %T", fieldName, val)
		}

		if field.Minimum != nil && numVal < *field.Minimum {
			return fmt.Errorf("field %s: value %f below minimum %f", fieldName, numVal, *field.Minimum)
		}
		if field.Maximum != nil && numVal > *field.Maximum {
			return fmt.Errorf("field %s: value %f above maximum %f", fieldName, numVal, *field.Maximum)
		}

	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %s: expected boolean, got %T", fieldName, val)
		}

	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("field %s: expected object, got %T", fieldName, val)
		}

	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("field %s: expected array, got %T", fieldName, val)
		}
	}

	return nil
}

// JSONSchema renders the schema as the JSON Schema object document the
// provider manifest carries.
func (s Schema) JSONSchema() json.RawMessage {
	properties := make(map[string]any, len(s))
	var required []string

	for name, field := range s {
		prop := map[string]any{"type": field.Type}
		if field.Description != "" {
			prop["description"] = field.Description
		}
		if len(field.Enum) > 0 {
			prop["enum"] = field.Enum
		}
		if field.Minimum != nil {
			prop["minimum"] = *field.Minimum
		}
		if field.Maximum != nil {
			prop["maximum"] = *field.Maximum
		}
		if field.MinLength > 0 {
			prop["minLength"] = field.MinLength
		}
		if field.MaxLength > 0 {
			prop["maxLength"] = field.MaxLength
		}
		properties[name] = prop

		if field.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return b
}

// parseSchema converts a profile's parameters block into a Schema.
// Both the JSON Schema object form ({type, properties, required}) and
// the flat {field: {type, ...}} form are accepted.
func parseSchema(params map[string]any) (Schema, error) {
	props := params
	var requiredNames []string

	if nested, ok := params["properties"].(map[string]any); ok {
		props = nested
		if list, ok := params["required"].([]any); ok {
			for _, entry := range list {
				if name, ok := entry.(string); ok {
					requiredNames = append(requiredNames, name)
				}
			}
		}
	}

	schema := make(Schema, len(props))
	for name, raw := range props {
		spec, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter %s: expected a mapping, got %T", name, raw)
		}

		field := Field{}
		field.Type, _ = spec["type"].(string)
		if field.Type == "" {
			return nil, fmt.Errorf("parameter %s: type is required", name)
		}
		field.Description, _ = spec["description"].(string)
		if req, ok := spec["required"].(bool); ok {
			field.Required = req
		}
		if enum, ok := spec["enum"].([]any); ok {
			field.Enum = enum
		}
		if v, ok := toFloat(spec["minimum"]); ok {
			field.Minimum = &v
		}
		if v, ok := toFloat(spec["maximum"]); ok {
			field.Maximum = &v
		}
		if v, ok := toFloat(spec["minLength"]); ok {
			field.MinLength = int(v)
		}
		if v, ok := toFloat(spec["maxLength"]); ok {
			field.MaxLength = int(v)
		}

		schema[name] = field
	}

	for _, name := range requiredNames {
		field, ok := schema[name]
		if !ok {
			return nil, fmt.Errorf("required parameter %s is not declared", name)
		}
		field.Required = true
		schema[name] = field
	}

	return schema, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func floatPtr(v float64) *float64 { return &v }
