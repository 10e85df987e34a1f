package capability

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/morezero/capabilities-executor/pkg/node"
)

const matcherLogPrefix = "capability:matcher"

// Matcher reports whether call parameters satisfy a capability.
type Matcher interface {
	Match(params any) bool
}

type constMatcher bool

func (m constMatcher) Match(any) bool { return bool(m) }

type anyOf []*jsonschema.Schema

func (m anyOf) Match(params any) bool {
	doc, err := node.Normalize(params)
	if err != nil {
		return false
	}
	for _, s := range m {
		if s.Validate(doc) == nil {
			return true
		}
	}
	return false
}

// Compile turns a capability into a Matcher. Schemas are compiled as draft-07.
// A schema that fails to compile is an error; callers treat that as incapable.
func Compile(method string, c Capability) (Matcher, error) {
	switch c.Kind {
	case None, Never:
		return constMatcher(false), nil
	case Always:
		return constMatcher(true), nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	schemas := make(anyOf, 0, len(c.Schemas))
	for i, raw := range c.Schemas {
		url := fmt.Sprintf("mem://capabilities/%s/%d.json", method, i)
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("%s - failed to add schema %d for %s: %w", matcherLogPrefix, i, method, err)
		}
		s, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to compile schema %d for %s: %w", matcherLogPrefix, i, method, err)
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}
