package registry

import (
	"bytes"
	"encoding/json"

	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
)

// ValidateInputs normalizes and validates a tool invocation's inputs:
// retired field names are migrated through the tool's aliases, unknown
// fields are rejected unless the tool allows them, schema defaults are
// filled in, and the result is checked against the compiled input schema.
// The returned document is the normalized form to execute and store.
func (r *Registry) ValidateInputs(toolID string, inputs json.RawMessage) (json.RawMessage, error) {
	c := r.catalog.Load()
	if c == nil {
		return nil, apierrors.NewNotFoundError("tool")
	}
	e, ok := c.entries[toolID]
	if !ok {
		return nil, apierrors.NewNotFoundError("tool")
	}

	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}

	dec := json.NewDecoder(bytes.NewReader(inputs))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, apierrors.NewValidationError("inputs", "must be a JSON object")
	}

	for old, current := range e.tool.InputAliases {
		v, present := m[old]
		if !present {
			continue
		}
		if _, taken := m[current]; !taken {
			m[current] = v
		}
		delete(m, old)
	}

	if !e.tool.AllowUnknown && len(e.props) > 0 {
		for k := range m {
			if _, known := e.props[k]; !known {
				return nil, apierrors.NewValidationError(k, "unknown input field")
			}
		}
	}

	for k, v := range e.defaults {
		if _, present := m[k]; !present {
			m[k] = v
		}
	}

	normalized, err := json.Marshal(m)
	if err != nil {
		return nil, apierrors.NewValidationError("inputs", err.Error())
	}

	// The schema validator wants a plain decoded tree.
	var tree any
	if err := json.Unmarshal(normalized, &tree); err != nil {
		return nil, apierrors.NewValidationError("inputs", err.Error())
	}
	if err := e.schema.Validate(tree); err != nil {
		return nil, apierrors.NewValidationError("inputs", err.Error())
	}

	return normalized, nil
}
