// Package lifecycle drives node state machine progression that workers do
// not report themselves: timeouts, holdoff expiry and closing completion.
//
// The driver sweeps the node store on a periodic tick. Within a tick the
// timeout pass runs first and wins over natural progression; the holdoff
// and closing passes only consider nodes whose deadline has not elapsed.
// Per-node failures are logged and left for the next tick, so one bad
// document never stalls the sweep.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"kernelci.org/api/metrics"
	"kernelci.org/api/node"
	"kernelci.org/api/store"
)

// DefaultTickInterval is the sweep cadence. It bounds how long a node can
// linger past its deadline before the driver reacts.
const DefaultTickInterval = time.Minute

// defaultPageSize bounds each store read during a sweep.
const defaultPageSize = 500

// Publisher emits node operation events.
type Publisher interface {
	Publish(ctx context.Context, rec *store.EventRecord) error
}

// Options configures a Driver.
type Options struct {
	// Nodes is the node store swept by the driver.
	Nodes store.NodeStore
	// Publisher receives an op=updated event for every applied transition.
	Publisher Publisher
	// TickInterval overrides the sweep cadence. Defaults to
	// DefaultTickInterval.
	TickInterval time.Duration
	// PageSize overrides how many nodes each store read returns.
	PageSize int
	// Clock overrides the time source, for tests.
	Clock func() time.Time
	// Metrics counts applied transitions. Optional.
	Metrics *metrics.Metrics
}

// Validate checks that required options are set.
func (o Options) Validate() error {
	if o.Nodes == nil {
		return errors.New("node store is required")
	}
	if o.Publisher == nil {
		return errors.New("publisher is required")
	}
	return nil
}

// Driver advances node state machines on a periodic tick.
type Driver struct {
	nodes   store.NodeStore
	pub     Publisher
	tick    time.Duration
	page    int
	now     func() time.Time
	metrics *metrics.Metrics
}

// New creates a driver.
func New(opts Options) (*Driver, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	page := opts.PageSize
	if page <= 0 {
		page = defaultPageSize
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Driver{
		nodes:   opts.Nodes,
		pub:     opts.Publisher,
		tick:    tick,
		page:    page,
		now:     now,
		metrics: opts.Metrics,
	}, nil
}

// Run sweeps immediately, then on every tick until the context is done.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep runs one driver pass: timeouts first, then holdoff expiry, then
// closing completion.
func (d *Driver) Sweep(ctx context.Context) {
	now := d.now().UTC()
	d.sweepTimeouts(ctx, now)
	d.sweepHoldoff(ctx, now)
	d.sweepClosing(ctx, now)
}

// sweepTimeouts forces every node past its deadline to done, cascading
// over its non-done descendants.
func (d *Driver) sweepTimeouts(ctx context.Context, now time.Time) {
	f := node.Filter{}.
		WhereOp("state", node.OpNe, string(node.StateDone)).
		WhereOp("timeout", node.OpLte, now)
	batch, err := d.collect(ctx, f)
	if err != nil {
		log.Errorf(ctx, err, "lifecycle: list timed-out nodes")
		return
	}

	finished := make(map[string]bool)
	for _, n := range batch {
		if finished[n.ID] {
			continue // already cascaded from an ancestor this sweep
		}
		d.timeoutNode(ctx, n, finished)
	}
}

// timeoutNode finishes n and its live descendants. Descendants are written
// children-first so an interrupted cascade is resumed from the still
// timed-out ancestor on the next tick.
func (d *Driver) timeoutNode(ctx context.Context, n *node.Node, finished map[string]bool) {
	desc, err := d.descendants(ctx, n.ID)
	if err != nil {
		// Finish the root anyway: orphaned descendants reach done through
		// their own timeouts.
		log.Errorf(ctx, err, "lifecycle: walk descendants of %s", n.ID)
		desc = nil
	}
	for i := len(desc) - 1; i >= 0; i-- {
		kid := desc[i]
		if d.transition(ctx, kid, node.StateDone, timeoutResult(kid)) {
			finished[kid.ID] = true
		}
	}
	if d.transition(ctx, n, node.StateDone, timeoutResult(n)) {
		finished[n.ID] = true
	}
}

// timeoutResult picks the result recorded on a node forced to done: nodes
// that never produced anything become incomplete, available nodes keep
// whatever the worker reported.
func timeoutResult(n *node.Node) node.Result {
	if n.State == node.StateAvailable {
		return n.Result
	}
	return node.ResultIncomplete
}

// sweepHoldoff moves available nodes whose holdoff elapsed to closing, or
// straight to done when no child is still open. Nodes without a holdoff
// stay available until their timeout.
func (d *Driver) sweepHoldoff(ctx context.Context, now time.Time) {
	f := node.Filter{}.
		Where("state", string(node.StateAvailable)).
		WhereOp("holdoff", node.OpLte, now).
		WhereOp("timeout", node.OpGt, now)
	batch, err := d.collect(ctx, f)
	if err != nil {
		log.Errorf(ctx, err, "lifecycle: list nodes past holdoff")
		return
	}

	for _, n := range batch {
		open, err := d.openChildren(ctx, n.ID)
		if err != nil {
			log.Errorf(ctx, err, "lifecycle: count children of %s", n.ID)
			continue
		}
		next := node.StateDone
		if open > 0 {
			next = node.StateClosing
		}
		d.transition(ctx, n, next, n.Result)
	}
}

// sweepClosing completes closing nodes once their last child is done.
func (d *Driver) sweepClosing(ctx context.Context, now time.Time) {
	f := node.Filter{}.
		Where("state", string(node.StateClosing)).
		WhereOp("timeout", node.OpGt, now)
	batch, err := d.collect(ctx, f)
	if err != nil {
		log.Errorf(ctx, err, "lifecycle: list closing nodes")
		return
	}

	for _, n := range batch {
		open, err := d.openChildren(ctx, n.ID)
		if err != nil {
			log.Errorf(ctx, err, "lifecycle: count children of %s", n.ID)
			continue
		}
		if open == 0 {
			d.transition(ctx, n, node.StateDone, n.Result)
		}
	}
}

// transition writes the state change through the optimistic update and
// publishes it. Returns false when the write was lost; the next tick
// revisits the node.
func (d *Driver) transition(ctx context.Context, n *node.Node, to node.State, result node.Result) bool {
	expected := n.Updated
	n.State = to
	n.Result = result
	n.Updated = d.now().UTC().Truncate(time.Millisecond)

	if err := d.nodes.Update(ctx, n, expected); err != nil {
		if errors.Is(err, store.ErrStaleUpdate) || errors.Is(err, store.ErrNotFound) {
			log.Printf(ctx, "lifecycle: node %s changed mid-sweep, skipped", n.ID)
		} else {
			log.Errorf(ctx, err, "lifecycle: update node %s", n.ID)
		}
		return false
	}

	d.metrics.NodeTransition(string(to))
	rec := &store.EventRecord{Channel: node.Channel, Data: node.EventPayload(node.OpUpdated, n)}
	if err := d.pub.Publish(ctx, rec); err != nil {
		log.Errorf(ctx, err, "lifecycle: publish update for node %s", n.ID)
	}
	return true
}

// openChildren counts direct children of id that are not done yet.
func (d *Driver) openChildren(ctx context.Context, id string) (int64, error) {
	f := node.Filter{}.
		Where("parent", id).
		WhereOp("state", node.OpNe, string(node.StateDone))
	return d.nodes.Count(ctx, f)
}

// descendants walks the subtree under rootID breadth-first and returns all
// nodes that are not done, parents before children.
func (d *Driver) descendants(ctx context.Context, rootID string) ([]*node.Node, error) {
	var out []*node.Node
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, pid := range frontier {
			f := node.Filter{}.
				Where("parent", pid).
				WhereOp("state", node.OpNe, string(node.StateDone))
			kids, err := d.collect(ctx, f)
			if err != nil {
				return nil, err
			}
			for _, kid := range kids {
				out = append(out, kid)
				next = append(next, kid.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// collect pages through every node matching f.
func (d *Driver) collect(ctx context.Context, f node.Filter) ([]*node.Node, error) {
	var out []*node.Node
	for offset := 0; ; offset += d.page {
		batch, err := d.nodes.List(ctx, f, store.Page{Limit: d.page, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < d.page {
			return out, nil
		}
	}
}
