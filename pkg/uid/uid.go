// Package uid generates unique, lexically sortable identifiers.
package uid

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a lowercase ULID. Identifiers generated within the same
// millisecond are monotonically increasing.
func New() string {
	return strings.ToLower(ulid.Make().String())
}

// Job returns a job identifier.
func Job() string {
	return "job-" + New()
}

// Peer returns a peer identifier.
func Peer() string {
	return "peer-" + New()
}
