// Command kernelci-api runs the KernelCI pipeline API: node tree CRUD, the
// hybrid pub/sub surface workers coordinate through, and the lifecycle
// driver that times out and completes nodes.
//
// # Configuration
//
// Environment variables:
//
//	API_ADDR                   - HTTP listen address (default ":8001")
//	SECRET_KEY                 - JWT signing key (required)
//	STORE_URL                  - MongoDB URL; empty selects the in-memory store
//	STORE_DATABASE             - MongoDB database name (default "kernelci")
//	BUS_URL                    - Redis URL; empty selects the in-process bus
//	EVENT_HISTORY_TTL_SECONDS  - event history retention (default 604800)
//	DRIVER_TICK_SECONDS        - lifecycle driver cadence (default 60)
//	LISTEN_WAIT_BUDGET_SECONDS - listen and queue-pop long-poll budget (default 30)
//	CLOUD_EVENTS_SOURCE        - source URI stamped on emitted envelopes
//	                             (default "https://api.kernelci.org/")
//	STALE_SUBSCRIPTION_MINUTES - reap idle live subscriptions (default 30)
//	STALE_CURSOR_DAYS          - reap abandoned durable cursors (default 30)
//
// # Example
//
// Everything in-process, for development:
//
//	SECRET_KEY=dev go run ./cmd/kernelci-api
//
// Production shape:
//
//	SECRET_KEY=... STORE_URL=mongodb://db:27017 BUS_URL=redis://cache:6379/1 ./kernelci-api
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"kernelci.org/api"
	"kernelci.org/api/auth"
	"kernelci.org/api/bus"
	membus "kernelci.org/api/bus/memory"
	redisbus "kernelci.org/api/bus/redis"
	"kernelci.org/api/lifecycle"
	"kernelci.org/api/metrics"
	"kernelci.org/api/pubsub"
	"kernelci.org/api/server"
	"kernelci.org/api/store"
	memstore "kernelci.org/api/store/memory"
	mongostore "kernelci.org/api/store/mongo"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	var (
		addr        = envOr("API_ADDR", ":8001")
		secret      = os.Getenv("SECRET_KEY")
		storeURL    = os.Getenv("STORE_URL")
		storeDB     = envOr("STORE_DATABASE", "kernelci")
		busURL      = os.Getenv("BUS_URL")
		eventTTL    = envSecondsOr("EVENT_HISTORY_TTL_SECONDS", 7*24*time.Hour)
		tick        = envSecondsOr("DRIVER_TICK_SECONDS", time.Minute)
		waitBudget  = envSecondsOr("LISTEN_WAIT_BUDGET_SECONDS", 30*time.Second)
		source      = envOr("CLOUD_EVENTS_SOURCE", "https://api.kernelci.org/")
		staleSubs   = time.Duration(envIntOr("STALE_SUBSCRIPTION_MINUTES", 30)) * time.Minute
		staleCursor = time.Duration(envIntOr("STALE_CURSOR_DAYS", 30)) * 24 * time.Hour
	)
	if secret == "" {
		return errors.New("SECRET_KEY is required")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	var pingers []health.Pinger

	// Persistence: MongoDB, or in-memory when no store is configured.
	var (
		nodes   store.NodeStore
		events  store.EventLog
		cursors store.CursorStore
	)
	if storeURL == "" {
		log.Printf(ctx, "STORE_URL empty, state is in-memory and lost on exit")
		nodes = memstore.New()
		events = memstore.NewEventLog(eventTTL)
		cursors = memstore.NewCursorStore()
	} else {
		mc, err := mongostore.Connect(ctx, mongostore.Options{
			URL:      storeURL,
			Database: storeDB,
			EventTTL: eventTTL,
		})
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer func() {
			if err := mc.Close(context.Background()); err != nil {
				log.Errorf(ctx, err, "close store")
			}
		}()
		nodes, events, cursors = mc.Nodes(), mc.Events(), mc.Cursors()
		pingers = append(pingers, mc)
	}

	// Wake bus and worker queues: Redis, or in-process.
	var (
		wake  bus.Bus
		queue bus.Queue
	)
	if busURL == "" {
		log.Printf(ctx, "BUS_URL empty, using the in-process bus")
		b := membus.New()
		defer func() { _ = b.Close() }()
		wake = b
		queue = membus.NewQueue()
	} else {
		rc, err := redisbus.New(redisbus.Options{URL: busURL})
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer func() {
			if err := rc.Close(); err != nil {
				log.Errorf(ctx, err, "close bus")
			}
		}()
		wake = rc
		queue = rc
		pingers = append(pingers, rc)
	}

	broker, err := pubsub.New(pubsub.Options{Events: events, Cursors: cursors, Bus: wake})
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}

	svc, err := api.New(api.Options{Nodes: nodes, Events: events, Publisher: broker, Metrics: m})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	driver, err := lifecycle.New(lifecycle.Options{
		Nodes:        nodes,
		Publisher:    broker,
		TickInterval: tick,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}

	validator, err := auth.New(auth.Options{Secret: secret})
	if err != nil {
		return fmt.Errorf("create auth: %w", err)
	}

	handler, err := server.New(ctx, server.Deps{
		Service:    svc,
		Broker:     broker,
		Queue:      queue,
		Auth:       validator,
		Metrics:    m,
		Health:     health.Handler(health.NewChecker(pingers...)),
		Source:     source,
		WaitBudget: waitBudget,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf(gctx, "HTTP server listening on %q", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return driver.Run(gctx) })

	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if n := broker.CleanupStale(staleSubs); n > 0 {
					log.Printf(gctx, "reaped %d stale subscriptions", n)
				}
			}
		}
	})

	g.Go(func() error {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				n, err := broker.CleanupStaleCursors(gctx, time.Now().UTC().Add(-staleCursor))
				if err != nil {
					log.Errorf(gctx, err, "cursor cleanup")
					continue
				}
				if n > 0 {
					log.Printf(gctx, "pruned %d stale subscriber cursors", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Printf(ctx, "shutting down")
		// Close the broker first so pending listens finish as gone
		// subscriptions while the server drains them.
		_ = broker.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envSecondsOr reads an integer number of seconds or a default.
func envSecondsOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}
