// Package events defines peer change events, their publishers, and manifest
// announcements used for peer discovery over COMMS.
package events

import (
	"time"

	"github.com/morezero/capabilities-executor/pkg/executor"
)

// Action says what happened to a peer.
type Action string

const (
	ActionAdded   Action = "added"
	ActionUpdated Action = "updated"
	ActionRemoved Action = "removed"
)

// PeerChangedEvent is emitted when a peer joins, changes or leaves. It is
// also the payload of an announcement.
type PeerChangedEvent struct {
	Action    Action             `json:"action"`
	ID        string             `json:"id"`
	Manifest  *executor.Manifest `json:"manifest,omitempty"`
	Timestamp string             `json:"timestamp"`
}

// NewPeerChangedEvent stamps an event with the current time.
func NewPeerChangedEvent(action Action, id string, m *executor.Manifest) *PeerChangedEvent {
	return &PeerChangedEvent{
		Action:    action,
		ID:        id,
		Manifest:  m,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
