// Package node defines the domain model for pipeline nodes: the hierarchical
// documents that represent checkouts, builds, and tests, the state machine
// that governs their lifecycle, and the dotted-path filter language used to
// query them.
//
// A node moves through four states driven by workers and by the lifecycle
// driver:
//
//	running ──success──▶ available ──holdoff──▶ closing ──children done──▶ done
//	    └──failure/timeout──────────────────────────────────────────────▶ done
//
// The result recorded on a node is orthogonal to its state: done nodes may
// carry pass, fail, skip, incomplete, or no result at all.
package node

import (
	"errors"
	"fmt"
	"time"
)

type (
	// State is a node lifecycle state.
	State string

	// Result is the outcome reported for a node. The empty string means no
	// result has been reported yet.
	Result string

	// Node is an atomic pipeline artifact: a checkout, build, test suite or
	// test case. Nodes form a tree; Path holds the names from the root down
	// to this node.
	Node struct {
		ID           string            `json:"id" bson:"-"`
		Kind         string            `json:"kind" bson:"kind"`
		Name         string            `json:"name" bson:"name"`
		Path         []string          `json:"path" bson:"path"`
		Parent       string            `json:"parent,omitempty" bson:"parent,omitempty"`
		Group        string            `json:"group,omitempty" bson:"group,omitempty"`
		State        State             `json:"state" bson:"state"`
		Result       Result            `json:"result,omitempty" bson:"result,omitempty"`
		Data         map[string]any    `json:"data,omitempty" bson:"data,omitempty"`
		Artifacts    map[string]string `json:"artifacts,omitempty" bson:"artifacts,omitempty"`
		Owner        string            `json:"owner" bson:"owner"`
		UserGroups   []string          `json:"user_groups,omitempty" bson:"user_groups,omitempty"`
		Created      time.Time         `json:"created" bson:"created"`
		Updated      time.Time         `json:"updated" bson:"updated"`
		Holdoff      *time.Time        `json:"holdoff,omitempty" bson:"holdoff,omitempty"`
		Timeout      time.Time         `json:"timeout" bson:"timeout"`
		RetryCounter int               `json:"retry_counter" bson:"retry_counter"`
	}
)

const (
	// StateRunning is the initial state: the node's work is in progress.
	StateRunning State = "running"
	// StateAvailable means the node's product is usable and dependent
	// children may still be created until the holdoff elapses.
	StateAvailable State = "available"
	// StateClosing means the holdoff has elapsed but some children have not
	// terminated; no new children are allowed.
	StateClosing State = "closing"
	// StateDone is terminal.
	StateDone State = "done"
)

const (
	ResultPass       Result = "pass"
	ResultFail       Result = "fail"
	ResultSkip       Result = "skip"
	ResultIncomplete Result = "incomplete"
	// ResultNone is the absent result.
	ResultNone Result = ""
)

// DefaultKind is assigned to drafts that do not specify a kind.
const DefaultKind = "node"

// DefaultTimeout is the terminal deadline applied to new nodes relative to
// their creation time when the draft carries none.
const DefaultTimeout = 6 * time.Hour

// ValidState reports whether s is one of the four lifecycle states.
func ValidState(s State) bool {
	switch s {
	case StateRunning, StateAvailable, StateClosing, StateDone:
		return true
	}
	return false
}

// ValidResult reports whether r is a known result, including the absent one.
func ValidResult(r Result) bool {
	switch r {
	case ResultPass, ResultFail, ResultSkip, ResultIncomplete, ResultNone:
		return true
	}
	return false
}

// Terminal reports whether the node has reached its final state.
func (n *Node) Terminal() bool { return n.State == StateDone }

// Validate checks the structural invariants that hold for every persisted
// node regardless of how it was produced.
func (n *Node) Validate() error {
	if n.Name == "" {
		return errors.New("name is required")
	}
	if n.Kind == "" {
		return errors.New("kind is required")
	}
	if !ValidState(n.State) {
		return fmt.Errorf("invalid state %q", n.State)
	}
	if !ValidResult(n.Result) {
		return fmt.Errorf("invalid result %q", n.Result)
	}
	if !n.Created.IsZero() && n.Timeout.Before(n.Created) {
		return errors.New("timeout precedes creation time")
	}
	return nil
}

// ChildPath returns the path a child named name gets under this node.
func (n *Node) ChildPath(name string) []string {
	path := make([]string, 0, len(n.Path)+1)
	path = append(path, n.Path...)
	return append(path, name)
}

// Clone returns a deep enough copy for the in-memory store: slices and the
// artifact map are copied, the data payload is copied one level deep.
func (n *Node) Clone() *Node {
	c := *n
	if n.Path != nil {
		c.Path = append([]string(nil), n.Path...)
	}
	if n.UserGroups != nil {
		c.UserGroups = append([]string(nil), n.UserGroups...)
	}
	if n.Artifacts != nil {
		c.Artifacts = make(map[string]string, len(n.Artifacts))
		for k, v := range n.Artifacts {
			c.Artifacts[k] = v
		}
	}
	if n.Data != nil {
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	if n.Holdoff != nil {
		h := *n.Holdoff
		c.Holdoff = &h
	}
	return &c
}
