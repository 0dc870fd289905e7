// Package api implements the KernelCI node service: creation and mutation
// of the node execution tree with ownership checks, plus the read side of
// the durable event history behind the events endpoint.
//
// The package owns the domain rules only. Transport lives in server, event
// fan-out in pubsub, the periodic state machine in lifecycle; this service
// ties the node store and the event publisher together so that every
// successful mutation leaves both a document and an event behind.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kernelci.org/api/metrics"
	"kernelci.org/api/node"
	"kernelci.org/api/store"
)

// Errors reported by node operations. The transport maps them onto HTTP
// status codes; everything else surfaces as an internal error.
var (
	// ErrInvalidParent reports a create naming a parent that is missing or
	// no longer accepts children.
	ErrInvalidParent = errors.New("parent missing or closed")
	// ErrPermission reports a mutation by a principal that neither owns the
	// node nor shares one of its user groups.
	ErrPermission = errors.New("permission denied")
	// ErrInvalidInput reports a request that fails domain validation.
	ErrInvalidInput = errors.New("invalid input")
)

type (
	// Publisher appends an event to the durable history and wakes parked
	// listeners. *pubsub.Broker implements it; tests substitute recorders.
	Publisher interface {
		Publish(ctx context.Context, rec *store.EventRecord) error
	}

	// Options configures a Service.
	Options struct {
		// Nodes is the node persistence layer. Required.
		Nodes store.NodeStore
		// Events is the durable history backing event queries. Required.
		Events store.EventLog
		// Publisher distributes node lifecycle events. Required.
		Publisher Publisher
		// Timeout is the spawn-to-done budget stamped on nodes created
		// without an explicit timeout. Defaults to node.DefaultTimeout.
		Timeout time.Duration
		// Metrics counts node state changes. Optional.
		Metrics *metrics.Metrics
		// Clock supplies the current time. Defaults to time.Now; tests
		// substitute a fixed clock.
		Clock func() time.Time
	}

	// Service implements the node operations the HTTP layer exposes.
	Service struct {
		nodes   store.NodeStore
		events  store.EventLog
		pub     Publisher
		timeout time.Duration
		metrics *metrics.Metrics
		now     func() time.Time
	}
)

// Validate reports the first missing required option.
func (o Options) Validate() error {
	if o.Nodes == nil {
		return errors.New("node store is required")
	}
	if o.Events == nil {
		return errors.New("event log is required")
	}
	if o.Publisher == nil {
		return errors.New("publisher is required")
	}
	return nil
}

// New creates a node service.
func New(opts Options) (*Service, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = node.DefaultTimeout
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		nodes:   opts.Nodes,
		events:  opts.Events,
		pub:     opts.Publisher,
		timeout: timeout,
		metrics: opts.Metrics,
		now:     now,
	}, nil
}
