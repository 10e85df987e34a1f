// Package node provides helpers over generic JSON document trees.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

const logPrefix = "node:node"

// Node is a decoded JSON document value: nil, bool, float64, json.Number,
// string, []any or map[string]any. Typed entities are objects with a
// "type" field.
type Node = any

// Kind is the closed set of variants a Node is classified into.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindNumber
	KindString
	KindArray
	KindObject
	KindCodeChunk
	KindCodeExpression
)

// Entity types treated as executable units.
const (
	TypeCodeChunk      = "CodeChunk"
	TypeCodeExpression = "CodeExpression"
	TypeCodeError      = "CodeError"
)

// KindOf classifies n. Values outside the JSON data model are reported as KindNull.
func KindOf(n Node) Kind {
	switch v := n.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBoolean
	case float64, float32, int, int32, int64, json.Number:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		switch v["type"] {
		case TypeCodeChunk:
			return KindCodeChunk
		case TypeCodeExpression:
			return KindCodeExpression
		}
		return KindObject
	}
	return KindNull
}

// TypeOf returns the entity type of an object, or the JSON kind name.
func TypeOf(n Node) string {
	switch KindOf(n) {
	case KindBoolean:
		return "Boolean"
	case KindNumber:
		return "Number"
	case KindString:
		return "String"
	case KindArray:
		return "Array"
	case KindObject, KindCodeChunk, KindCodeExpression:
		if t, ok := n.(map[string]any)["type"].(string); ok {
			return t
		}
		return "Object"
	}
	return "Null"
}

// IsExecutable reports whether n is a code chunk or code expression.
func IsExecutable(n Node) bool {
	k := KindOf(n)
	return k == KindCodeChunk || k == KindCodeExpression
}

// Visitor is called for every node reached by Walk. Returning replaced=true
// substitutes the node and stops descent into it.
type Visitor func(ctx context.Context, n Node) (replacement Node, replaced bool, err error)

// Walk visits root parent-first and rebuilds the tree with any replacements.
// Object fields are visited in sorted key order. The input tree is not mutated.
func Walk(ctx context.Context, root Node, visit Visitor) (Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch KindOf(root) {
	case KindNull, KindBoolean, KindNumber, KindString:
		return root, nil
	}

	out, replaced, err := visit(ctx, root)
	if err != nil {
		return nil, err
	}
	if replaced {
		return out, nil
	}

	switch v := root.(type) {
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			w, err := Walk(ctx, item, visit)
			if err != nil {
				return nil, err
			}
			items[i] = w
		}
		return items, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make(map[string]any, len(v))
		for _, k := range keys {
			w, err := Walk(ctx, v[k], visit)
			if err != nil {
				return nil, err
			}
			fields[k] = w
		}
		return fields, nil
	}
	return root, nil
}

// Normalize converts any JSON-marshalable value into the generic Node form.
func Normalize(v any) (Node, error) {
	switch v.(type) {
	case nil, bool, float64, string:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode value: %w", logPrefix, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s - failed to decode value: %w", logPrefix, err)
	}
	return out, nil
}

// WithError returns a shallow copy of an object node with a CodeError appended
// to its "errors" field. Non-object nodes are returned unchanged.
func WithError(n Node, kind, message string) Node {
	obj, ok := n.(map[string]any)
	if !ok {
		return n
	}
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	var errs []any
	if existing, ok := obj["errors"].([]any); ok {
		errs = append(errs, existing...)
	}
	errs = append(errs, map[string]any{
		"type":    TypeCodeError,
		"kind":    kind,
		"message": message,
	})
	out["errors"] = errs
	return out
}
