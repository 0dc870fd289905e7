// Package server exposes the API over HTTP: node CRUD and queries, the
// pub/sub surface (subscribe, listen, publish), historical event queries
// and the operational endpoints. Routing uses chi; handlers are closures
// over a Deps bundle so tests can assemble a server from in-memory parts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/log"

	"kernelci.org/api"
	"kernelci.org/api/auth"
	"kernelci.org/api/bus"
	"kernelci.org/api/metrics"
	"kernelci.org/api/node"
	"kernelci.org/api/pubsub"
	"kernelci.org/api/retry"
	"kernelci.org/api/store"
)

const (
	// DefaultWaitBudget bounds the listen and queue-pop long polls.
	DefaultWaitBudget = 30 * time.Second
	// DefaultMaxBody caps request bodies.
	DefaultMaxBody = 1 << 20

	defaultNodeLimit  = 50
	defaultEventLimit = 100
	maxLimit          = 1000
)

// Deps bundles everything the handlers need.
type Deps struct {
	// Service implements the node operations. Required.
	Service *api.Service
	// Broker implements the pub/sub operations. Required.
	Broker *pubsub.Broker
	// Queue backs the worker queue endpoints. Required.
	Queue bus.Queue
	// Auth validates bearer tokens. Required.
	Auth *auth.Validator
	// Metrics observes requests and serves /metrics. Optional.
	Metrics *metrics.Metrics
	// Health serves /healthz. Optional.
	Health http.Handler
	// Source is the CloudEvents source stamped on envelopes rebuilt from
	// history records that carry none.
	Source string
	// WaitBudget bounds listen and queue-pop long polls. Defaults to
	// DefaultWaitBudget.
	WaitBudget time.Duration
	// MaxBody caps request bodies in bytes. Defaults to DefaultMaxBody.
	MaxBody int64
}

func (d Deps) validate() error {
	if d.Service == nil {
		return errors.New("service is required")
	}
	if d.Broker == nil {
		return errors.New("broker is required")
	}
	if d.Queue == nil {
		return errors.New("queue is required")
	}
	if d.Auth == nil {
		return errors.New("auth validator is required")
	}
	return nil
}

// New builds the application HTTP handler. The context carries the logger
// used by the request logging middleware.
func New(ctx context.Context, d Deps) (http.Handler, error) {
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if d.WaitBudget <= 0 {
		d.WaitBudget = DefaultWaitBudget
	}
	if d.MaxBody <= 0 {
		d.MaxBody = DefaultMaxBody
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(log.HTTP(ctx))
	r.Use(chimw.Recoverer)
	r.Use(observe(d.Metrics))
	r.Use(bodyCap(d.MaxBody))

	r.Get("/", root())

	r.Route("/node", func(r chi.Router) {
		r.With(d.Auth.Require).Post("/", createNode(d))
		r.Get("/{id}", getNode(d))
		r.With(d.Auth.Require).Put("/{id}", updateNode(d))
	})
	r.Get("/nodes", listNodes(d))
	r.Get("/count", countNodes(d))

	r.With(d.Auth.Require).Post("/subscribe/{channel}", subscribe(d))
	r.With(d.Auth.Require).Post("/unsubscribe/{id}", unsubscribe(d))
	r.With(d.Auth.Require).Get("/listen/{id}", listen(d))
	r.With(d.Auth.Require).Post("/publish/{channel}", publish(d))
	r.Get("/events", listEvents(d))

	r.With(d.Auth.Require).Get("/whoami", whoami())
	r.With(d.Auth.Require).Get("/stats/subscriptions", subscriptionStats(d))
	r.With(d.Auth.Require).Post("/queue/{name}", queuePush(d))
	r.With(d.Auth.Require).Get("/queue/{name}", queuePop(d))

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	if d.Health != nil {
		r.Method(http.MethodGet, "/healthz", d.Health)
	}
	return r, nil
}

func root() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "KernelCI API"})
	}
}

func whoami() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		writeJSON(w, http.StatusOK, map[string]any{
			"username": p.Username,
			"groups":   p.Groups,
		})
	}
}

// observe records request counts and latencies labelled by the matched chi
// route pattern rather than the raw URL, keeping label cardinality bounded.
func observe(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

func bodyCap(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// principal returns the authenticated principal. Handlers behind Require
// always have one; the anonymous principal stands in everywhere else.
func principal(r *http.Request) auth.Principal {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return *p
	}
	return auth.Principal{}
}

// Request parsing and response helpers. Every error body is a single
// {"detail": ...} message.

var (
	errMalformed     = errors.New("malformed request")
	errLimitTooLarge = fmt.Errorf("limit exceeds the maximum of %d", maxLimit)
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

// fail maps an operation error to its HTTP status. Unrecognized errors are
// logged and reported as a plain 500 so internals stay out of responses.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Errorf(r.Context(), err, "request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	var (
		tooBig    *http.MaxBytesError
		exhausted *retry.ExhaustedError
	)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, pubsub.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrPermission), errors.Is(err, pubsub.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, api.ErrInvalidParent),
		errors.Is(err, node.ErrInvalidTransition),
		errors.Is(err, node.ErrTerminal),
		errors.Is(err, store.ErrStaleUpdate),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, pubsub.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, api.ErrInvalidInput),
		errors.Is(err, node.ErrInvalidPatch),
		errors.Is(err, errMalformed):
		return http.StatusBadRequest
	case errors.Is(err, errLimitTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &exhausted), errors.Is(err, pubsub.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// badRequest tags a parse error so statusFor maps it to 400.
func badRequest(err error) error {
	return fmt.Errorf("%w: %s", errMalformed, err)
}

// decodeJSON decodes a request body, rejecting unknown fields so requests
// trying to set immutable node fields fail loudly instead of silently.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return fmt.Errorf("%w: %s", errMalformed, err)
	}
	return nil
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad limit %q", errMalformed, raw)
	}
	if n > maxLimit {
		return 0, errLimitTooLarge
	}
	if n == 0 {
		return def, nil
	}
	return n, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad offset %q", errMalformed, raw)
	}
	return n, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subscription id %q", errMalformed, raw)
	}
	return id, nil
}
