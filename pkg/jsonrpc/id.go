package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

const idLogPrefix = "jsonrpc:id"

// ID is a request identifier, either an integer or a string.
type ID struct {
	num   int64
	str   string
	isStr bool
}

var counter atomic.Int64

// NextID returns the next value of the per-process request counter.
func NextID() ID {
	return NumberID(counter.Add(1))
}

// NumberID returns a numeric ID.
func NumberID(n int64) ID {
	return ID{num: n}
}

// StringID returns a string ID.
func StringID(s string) ID {
	return ID{str: s, isStr: true}
}

// IsString reports whether the ID is a string.
func (id ID) IsString() bool {
	return id.isStr
}

// Valid reports whether the ID may correlate a response: numbers must be
// non-negative and strings non-empty.
func (id ID) Valid() bool {
	if id.isStr {
		return id.str != ""
	}
	return id.num >= 0
}

// Key returns a value unique across both ID kinds, for use as a map key.
func (id ID) Key() string {
	if id.isStr {
		return "s:" + id.str
	}
	return "n:" + strconv.FormatInt(id.num, 10)
}

func (id ID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON encodes the ID as a JSON number or string.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON accepts an integer or a string.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%s - failed to decode string id: %w", idLogPrefix, err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%s - id must be an integer or string, got %s", idLogPrefix, data)
	}
	*id = NumberID(n)
	return nil
}
