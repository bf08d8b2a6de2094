package paddle

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// replySchema describes one worker reply line. A result is PaddleOCR's
// native output: a list of pages, each null or a list of
// [polygon, [text, score]] detections.
func replySchema() map[string]any {
	point := map[string]any{
		"type":     "array",
		"minItems": 2,
		"maxItems": 2,
		"items":    map[string]any{"type": "number"},
	}
	detection := map[string]any{
		"type":     "array",
		"minItems": 2,
		"maxItems": 2,
		"prefixItems": []any{
			map[string]any{"type": "array", "items": point},
			map[string]any{
				"type":        "array",
				"minItems":    2,
				"prefixItems": []any{map[string]any{"type": "string"}, map[string]any{"type": "number"}},
			},
		},
	}
	page := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "null"},
			map[string]any{"type": "array", "items": detection},
		},
	}

	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"id":     map[string]any{"type": "string"},
			"ready":  map[string]any{"type": "boolean"},
			"error":  map[string]any{"type": "string"},
			"result": map[string]any{"type": "array", "items": page},
		},
		"oneOf": []any{
			map[string]any{"required": []any{"ready"}},
			map[string]any{"required": []any{"id", "result"}},
			map[string]any{"required": []any{"id", "error"}},
		},
	}
}

func compileReplySchema() (*jsonschema.Schema, error) {
	b, err := json.Marshal(replySchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("paddle-reply.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("paddle-reply.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
