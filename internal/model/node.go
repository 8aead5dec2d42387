package model

import "time"

// NodeState represents the lifecycle state of a storage node
type NodeState string

const (
	// NodeStateJoining is a registered node that has not heartbeated yet
	NodeStateJoining NodeState = "joining"
	// NodeStateActive is a node receiving heartbeats within the suspect window
	NodeStateActive NodeState = "active"
	// NodeStateSuspected is a node that missed heartbeats for longer than the suspect window
	NodeStateSuspected NodeState = "suspected"
	// NodeStateDead is terminal; the node has been removed from every replica set
	NodeStateDead NodeState = "dead"
)

// Valid reports whether s is a known state.
func (s NodeState) Valid() bool {
	switch s {
	case NodeStateJoining, NodeStateActive, NodeStateSuspected, NodeStateDead:
		return true
	}
	return false
}

// Node describes a storage node as seen by the metadata service.
type Node struct {
	NodeID        string    `json:"node_id"`
	Address       string    `json:"address"`
	State         NodeState `json:"state"`
	RegisteredAt  time.Time `json:"registered_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// Heartbeat is sent by storage nodes every heartbeat interval.
type Heartbeat struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}
