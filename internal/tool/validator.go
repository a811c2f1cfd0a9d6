package tool

import (
	"encoding/json"
	"fmt"
)

// ValidateInput checks a JSON argument object against a tool's parameter
// schema: required fields must be present and declared types are coarsely
// checked. Unknown fields pass through untouched.
func ValidateInput(schema map[string]any, input json.RawMessage) error {
	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}
	return validateObject(schema, inputMap)
}

func validateObject(schema map[string]any, input map[string]any) error {
	if required, ok := schema["required"].([]any); ok {
		for _, field := range required {
			fieldName, ok := field.(string)
			if !ok {
				continue
			}
			if _, exists := input[fieldName]; !exists {
				return fmt.Errorf("missing required field: %s", fieldName)
			}
		}
	} else if required, ok := schema["required"].([]string); ok {
		for _, fieldName := range required {
			if _, exists := input[fieldName]; !exists {
				return fmt.Errorf("missing required field: %s", fieldName)
			}
		}
	}

	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	for key, value := range input {
		propSchema, defined := properties[key]
		if !defined {
			continue
		}
		propSchemaMap, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		if err := validateType(key, propSchemaMap, value); err != nil {
			return err
		}
	}
	return nil
}

func validateType(fieldName string, schema map[string]any, value any) error {
	expectedType, ok := schema["type"].(string)
	if !ok {
		return nil
	}

	switch expectedType {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field '%s' expected string, got %T", fieldName, value)
		}
	case "number", "integer":
		// encoding/json decodes all numbers to float64
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("field '%s' expected number, got %T", fieldName, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field '%s' expected boolean, got %T", fieldName, value)
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("field '%s' expected array, got %T", fieldName, value)
		}
		if itemsSchema, ok := schema["items"].(map[string]any); ok {
			for i, item := range arr {
				if err := validateType(fmt.Sprintf("%s[%d]", fieldName, i), itemsSchema, item); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("field '%s' expected object, got %T", fieldName, value)
		}
		return validateObject(schema, obj)
	}
	return nil
}
