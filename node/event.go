package node

// Channel is the pub/sub channel carrying node operation events.
const Channel = "node"

// Operations announced on Channel.
const (
	OpCreated = "created"
	OpUpdated = "updated"
)

// EventPayload is the body published on Channel when op was applied to n.
// It carries identity and state only; consumers needing the full document
// fetch it by id. The keys mirror the /events query parameters.
func EventPayload(op string, n *Node) map[string]any {
	p := map[string]any{
		"op":    op,
		"id":    n.ID,
		"kind":  n.Kind,
		"name":  n.Name,
		"path":  n.Path,
		"state": string(n.State),
	}
	if n.Result != ResultNone {
		p["result"] = string(n.Result)
	}
	if n.Group != "" {
		p["group"] = n.Group
	}
	if n.Owner != "" {
		p["owner"] = n.Owner
	}
	return p
}
