package node

import (
	"errors"
	"fmt"
	"time"
)

// transitions holds the legal state machine edges. A state maps to the set
// of states reachable from it in a single update.
var transitions = map[State]map[State]bool{
	StateRunning:   {StateAvailable: true, StateDone: true},
	StateAvailable: {StateClosing: true, StateDone: true},
	StateClosing:   {StateDone: true},
	StateDone:      {},
}

// ValidTransition reports whether a node may move from one state to the
// other. Staying in the same state is always legal.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// Patch is a partial node update. Nil pointers and nil maps leave the
// corresponding field untouched. Identity fields (id, kind, parent, path,
// created) are not representable here on purpose: requests carrying them
// fail to decode.
type Patch struct {
	Name         *string           `json:"name,omitempty"`
	Group        *string           `json:"group,omitempty"`
	State        *State            `json:"state,omitempty"`
	Result       *Result           `json:"result,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	Owner        *string           `json:"owner,omitempty"`
	UserGroups   []string          `json:"user_groups,omitempty"`
	Holdoff      *time.Time        `json:"holdoff,omitempty"`
	Timeout      *time.Time        `json:"timeout,omitempty"`
	RetryCounter *int              `json:"retry_counter,omitempty"`

	// Updated, when present, is the updated timestamp the caller last saw.
	// The store rejects the write if the stored value differs.
	Updated *time.Time `json:"updated,omitempty"`
}

// Errors surfaced by Apply. Callers map them to HTTP status codes.
var (
	// ErrInvalidTransition reports a state change not on the transition graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTerminal reports an attempt to change the result of a done node.
	ErrTerminal = errors.New("node is terminal")
	// ErrInvalidPatch reports a patch that fails field validation.
	ErrInvalidPatch = errors.New("invalid patch")
)

// Apply mutates n according to the patch. It enforces the transition graph
// and terminal immutability but leaves bookkeeping (updated timestamp,
// event emission) to the caller.
func (p *Patch) Apply(n *Node) error {
	if p.State != nil {
		if !ValidState(*p.State) {
			return fmt.Errorf("%w: unknown state %q", ErrInvalidPatch, *p.State)
		}
		if !ValidTransition(n.State, *p.State) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, n.State, *p.State)
		}
	}
	if p.Result != nil {
		if !ValidResult(*p.Result) {
			return fmt.Errorf("%w: unknown result %q", ErrInvalidPatch, *p.Result)
		}
		if n.Terminal() && *p.Result != n.Result {
			return fmt.Errorf("%w: result is frozen", ErrTerminal)
		}
	}
	if p.Timeout != nil && p.Timeout.Before(n.Created) {
		return fmt.Errorf("%w: timeout precedes creation time", ErrInvalidPatch)
	}
	if p.Name != nil {
		if *p.Name == "" {
			return fmt.Errorf("%w: name is required", ErrInvalidPatch)
		}
		n.Name = *p.Name
		if len(n.Path) > 0 {
			n.Path[len(n.Path)-1] = *p.Name
		}
	}
	if p.Group != nil {
		n.Group = *p.Group
	}
	if p.State != nil {
		n.State = *p.State
	}
	if p.Result != nil {
		n.Result = *p.Result
	}
	if p.Data != nil {
		n.Data = p.Data
	}
	if p.Artifacts != nil {
		n.Artifacts = p.Artifacts
	}
	if p.Owner != nil {
		n.Owner = *p.Owner
	}
	if p.UserGroups != nil {
		n.UserGroups = p.UserGroups
	}
	if p.Holdoff != nil {
		h := p.Holdoff.UTC()
		n.Holdoff = &h
	}
	if p.Timeout != nil {
		n.Timeout = p.Timeout.UTC()
	}
	if p.RetryCounter != nil {
		n.RetryCounter = *p.RetryCounter
	}
	return nil
}
