package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/theimaginaryfoundation/philo/philo"
	"github.com/theimaginaryfoundation/philo/philo/fileutils"
)

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
	itemsKey                = "items"
)

// SchemaFor reflects the type of v into an OpenAI strict-mode JSON schema.
func SchemaFor(v any) (map[string]any, error) {
	if v == nil {
		return nil, errors.New("SchemaFor: nil value")
	}
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schemaObj, err := schemaToMap(reflector.Reflect(v))
	if err != nil {
		return nil, err
	}
	delete(schemaObj, "$schema")
	delete(schemaObj, "$id")
	ensureOpenAICompliance(schemaObj)
	return schemaObj, nil
}

// ItemsSchema wraps the schema of row as {"items": [row]}. Strict mode needs an object at
// the top level, so lists travel inside this envelope.
func ItemsSchema(row any) (map[string]any, error) {
	rowSchema, err := SchemaFor(row)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		typeKey: "object",
		propertiesKey: map[string]any{
			itemsKey: map[string]any{
				typeKey:  "array",
				itemsKey: rowSchema,
			},
		},
		requiredKey:             []string{itemsKey},
		additionalPropertiesKey: false,
	}, nil
}

type itemsEnvelope struct {
	Items []json.RawMessage `json:"items"`
}

// UnwrapItems turns an {"items": [...]} reply back into the bare list, rendered as a
// literal that ParseStructured reads back unchanged.
func UnwrapItems(text string) (string, error) {
	var env itemsEnvelope
	if err := fileutils.DecodeModelJSON(text, &env); err != nil {
		return "", fmt.Errorf("UnwrapItems: %w", err)
	}
	if env.Items == nil {
		env.Items = []json.RawMessage{}
	}
	out, err := philo.FormatLiteral(env.Items)
	if err != nil {
		return "", fmt.Errorf("UnwrapItems: %w", err)
	}
	return out, nil
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureOpenAICompliance closes every object and marks all its properties required.
func ensureOpenAICompliance(schema map[string]any) {
	if schemaType, ok := schema[typeKey].(string); ok && schemaType == "object" {
		schema[additionalPropertiesKey] = false

		if properties, ok := schema[propertiesKey].(map[string]any); ok {
			requiredFields := make([]string, 0, len(properties))
			for propName := range properties {
				requiredFields = append(requiredFields, propName)
			}
			sort.Strings(requiredFields)
			if len(requiredFields) > 0 {
				schema[requiredKey] = requiredFields
			}
		}
	}

	if properties, ok := schema[propertiesKey].(map[string]any); ok {
		for _, prop := range properties {
			if propMap, ok := prop.(map[string]any); ok {
				ensureOpenAICompliance(propMap)
			}
		}
	}

	if items, ok := schema[itemsKey].(map[string]any); ok {
		ensureOpenAICompliance(items)
	}

	if additionalProps, ok := schema[additionalPropertiesKey].(map[string]any); ok {
		ensureOpenAICompliance(additionalProps)
	}
}
