package worker

import (
	"strconv"
	"strings"

	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
	"github.com/morezero/capabilities-executor/pkg/node"
)

// LangJSONPointer is the query language the worker understands.
const LangJSONPointer = "jsonpointer"

// Resolve evaluates an RFC 6901 JSON pointer against n. A pointer that does
// not resolve is an InvalidParams error.
func Resolve(n node.Node, pointer string) (node.Node, error) {
	doc, err := node.Normalize(n)
	if err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.InvalidParams, "node is not JSON: %v", err)
	}
	if pointer == "" {
		return doc, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, jsonrpc.Errorf(jsonrpc.InvalidParams, "pointer %q must start with /", pointer)
	}

	current := doc
	for _, raw := range strings.Split(pointer[1:], "/") {
		token := strings.NewReplacer("~1", "/", "~0", "~").Replace(raw)
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[token]
			if !ok {
				return nil, jsonrpc.Errorf(jsonrpc.InvalidParams, "pointer %q: no member %q", pointer, token)
			}
			current = next
		case []any:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(v) || (len(token) > 1 && token[0] == '0') {
				return nil, jsonrpc.Errorf(jsonrpc.InvalidParams, "pointer %q: invalid index %q", pointer, token)
			}
			current = v[i]
		default:
			return nil, jsonrpc.Errorf(jsonrpc.InvalidParams, "pointer %q: cannot descend into %T", pointer, current)
		}
	}
	return current, nil
}
