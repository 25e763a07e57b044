package plugins

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Output is the optional JSON document a plugin prints on stdout.
type Output struct {
	Status    string             `json:"status"`
	Message   string             `json:"message,omitempty"`
	Data      json.RawMessage    `json:"data,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Timestamp *time.Time         `json:"timestamp,omitempty"`
}

const outputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status"],
  "properties": {
    "status":    {"enum": ["ok", "error", "warning"]},
    "message":   {"type": ["string", "null"]},
    "data":      {},
    "metrics":   {"type": ["object", "null"], "additionalProperties": {"type": "number"}},
    "timestamp": {"type": ["string", "null"], "format": "date-time"}
  }
}`

var outputSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(outputSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("plugin-output.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("plugin-output.json")
})

// ParseOutput validates stdout against the plugin output contract.
func ParseOutput(stdout string) (*Output, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" || trimmed[0] != '{' {
		return nil, fmt.Errorf("plugin output: not a JSON object")
	}
	schema, err := outputSchema()
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("plugin output: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("plugin output: %w", err)
	}
	var out Output
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, fmt.Errorf("plugin output: %w", err)
	}
	return &out, nil
}
