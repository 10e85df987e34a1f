// Package capability models per-method capability declarations and compiles them into matchers.
package capability

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

const logPrefix = "capability:capability"

// Kind is the variant of a Capability.
type Kind int

const (
	// None means no declaration: incapable.
	None Kind = iota
	// Always is the literal true.
	Always
	// Never is the literal false.
	Never
	// One is a single JSON Schema.
	One
	// Many is a list of JSON Schemas combined with OR.
	Many
)

// Capability is the declaration for one method.
type Capability struct {
	Kind    Kind
	Schemas []json.RawMessage
}

// Bool returns an Always or Never capability.
func Bool(capable bool) Capability {
	if capable {
		return Capability{Kind: Always}
	}
	return Capability{Kind: Never}
}

// Schema returns a capability from one or more schemas.
func Schema(schemas ...string) Capability {
	c := Capability{Kind: One}
	if len(schemas) != 1 {
		c.Kind = Many
	}
	for _, s := range schemas {
		c.Schemas = append(c.Schemas, json.RawMessage(s))
	}
	return c
}

// Parse decodes a capability from JSON: absent or null, a boolean, an object or an array.
func Parse(raw json.RawMessage) (Capability, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return Capability{Kind: None}, nil
	}
	switch raw[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Capability{}, fmt.Errorf("%s - invalid boolean capability: %w", logPrefix, err)
		}
		return Bool(b), nil
	case '{':
		return Capability{Kind: One, Schemas: []json.RawMessage{append(json.RawMessage(nil), raw...)}}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return Capability{}, fmt.Errorf("%s - invalid capability list: %w", logPrefix, err)
		}
		return Capability{Kind: Many, Schemas: items}, nil
	}
	return Capability{}, fmt.Errorf("%s - capability must be a boolean, schema or list of schemas, got %s", logPrefix, raw)
}

// MarshalJSON encodes the capability in its declaration form.
func (c Capability) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case Always:
		return []byte("true"), nil
	case Never, None:
		return []byte("false"), nil
	case One:
		if len(c.Schemas) == 1 {
			return c.Schemas[0], nil
		}
	}
	return json.Marshal(c.Schemas)
}

// UnmarshalJSON decodes via Parse.
func (c *Capability) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UnmarshalYAML decodes a capability written in a YAML manifest.
func (c *Capability) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return fmt.Errorf("%s - invalid yaml capability: %w", logPrefix, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s - yaml capability is not representable as JSON: %w", logPrefix, err)
	}
	return c.UnmarshalJSON(raw)
}

// Capabilities maps method names to their declarations.
type Capabilities map[string]Capability

// Get returns the declaration for method, or None.
func (cs Capabilities) Get(method string) Capability {
	if c, ok := cs[method]; ok {
		return c
	}
	return Capability{Kind: None}
}

// Merge returns a new set where each method's declaration is the OR of both sets.
func (cs Capabilities) Merge(other Capabilities) Capabilities {
	out := make(Capabilities, len(cs)+len(other))
	for m, c := range cs {
		out[m] = c
	}
	for m, c := range other {
		existing, ok := out[m]
		if !ok {
			out[m] = c
			continue
		}
		out[m] = Or(existing, c)
	}
	return out
}

// Or combines two declarations.
func Or(a, b Capability) Capability {
	switch {
	case a.Kind == Always || b.Kind == Always:
		return Bool(true)
	case a.Kind == None || a.Kind == Never:
		return b
	case b.Kind == None || b.Kind == Never:
		return a
	}
	schemas := append(append([]json.RawMessage{}, a.Schemas...), b.Schemas...)
	return Capability{Kind: Many, Schemas: schemas}
}
