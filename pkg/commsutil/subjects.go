package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectAnnounce     = "executor.announce"
	SubjectPeersChanged = "executor.peers.changed"
	subjectExecutorRoot = "executor.rpc"
)

// safeToken replaces characters that would split or wildcard a subject token.
func safeToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// BuildExecutorSubject builds the request subject an executor serves JSON-RPC on.
func BuildExecutorSubject(id string) string {
	return fmt.Sprintf("%s.%s", subjectExecutorRoot, safeToken(id))
}

// BuildPeerChangedSubject builds a granular peer change event subject.
func BuildPeerChangedSubject(id string) string {
	return fmt.Sprintf("%s.%s", SubjectPeersChanged, safeToken(id))
}
