package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"kernelci.org/api/event"
	"kernelci.org/api/pubsub"
	"kernelci.org/api/store"
)

// subscriptionView is the subscribe response. The broker-assigned id is
// what listen and unsubscribe take.
type subscriptionView struct {
	SubscriptionID int64  `json:"subscription_id"`
	Channel        string `json:"channel"`
	User           string `json:"user"`
	Promiscuous    bool   `json:"promiscuous"`
	SubscriberID   string `json:"subscriber_id,omitempty"`
}

// listenMessage is the poll response, shaped like a Redis pub/sub message
// so channel workers unwrap it uniformly: the CloudEvent rides in data as a
// JSON string.
type listenMessage struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
	Pattern any    `json:"pattern"`
	Type    string `json:"type"`
}

func subscribe(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := pubsub.SubscribeOptions{SubscriberID: q.Get("subscriber_id")}
		if raw := q.Get("promisc"); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				fail(w, r, badRequest(err))
				return
			}
			opts.Promiscuous = b
		}
		sub, err := d.Broker.Subscribe(r.Context(), chi.URLParam(r, "channel"), principal(r).Username, opts)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, subscriptionView{
			SubscriptionID: sub.ID,
			Channel:        sub.Channel,
			User:           sub.User,
			Promiscuous:    sub.Promiscuous,
			SubscriberID:   sub.SubscriberID,
		})
	}
}

func unsubscribe(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			fail(w, r, err)
			return
		}
		if err := d.Broker.Unsubscribe(id, principal(r).Username); err != nil {
			fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listen long-polls for the next deliverable event. An exhausted wait
// budget answers an empty object so clients can immediately poll again; a
// gone client just abandons the poll, leaving the event unacknowledged for
// redelivery.
func listen(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			fail(w, r, err)
			return
		}
		d.Metrics.ListenStarted()
		defer d.Metrics.ListenFinished()

		rec, err := d.Broker.Listen(r.Context(), id, principal(r).Username, d.WaitBudget)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fail(w, r, err)
			return
		}
		if rec == nil {
			writeJSON(w, http.StatusOK, struct{}{})
			return
		}
		ev, err := event.Build(rec, d.Source)
		if err != nil {
			fail(w, r, err)
			return
		}
		raw, err := ev.MarshalJSON()
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listenMessage{
			Channel: rec.Channel,
			Data:    string(raw),
			Pattern: nil,
			Type:    "message",
		})
	}
}

func publish(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req event.PublishRequest
		if err := decodeJSON(r, &req); err != nil {
			fail(w, r, err)
			return
		}
		rec, err := req.Record(chi.URLParam(r, "channel"), principal(r).Username)
		if err != nil {
			fail(w, r, badRequest(err))
			return
		}
		if err := d.Broker.Publish(r.Context(), rec); err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channel":     rec.Channel,
			"sequence_id": rec.SequenceID,
		})
	}
}

func listEvents(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := parseLimit(q.Get("limit"), defaultEventLimit)
		if err != nil {
			fail(w, r, err)
			return
		}
		var after int64
		if raw := q.Get("from"); raw != "" {
			after, err = strconv.ParseInt(raw, 10, 64)
			if err != nil || after < 0 {
				fail(w, r, badRequest(errors.New("bad from sequence")))
				return
			}
		}
		recursive := false
		if raw := q.Get("recursive"); raw != "" {
			recursive, err = strconv.ParseBool(raw)
			if err != nil {
				fail(w, r, badRequest(err))
				return
			}
		}
		query := store.EventQuery{
			Channel: q.Get("channel"),
			After:   after,
			Kind:    q.Get("kind"),
			State:   q.Get("state"),
			Result:  q.Get("result"),
			NodeID:  q.Get("id"),
			NodeIDs: splitIDs(q["ids"]),
			Limit:   limit,
		}
		recs, err := d.Service.ListEvents(r.Context(), query, recursive)
		if err != nil {
			fail(w, r, err)
			return
		}
		if recs == nil {
			recs = []*store.EventRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func subscriptionStats(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Broker.Stats())
	}
}

// queuePush wraps the body in a CloudEvents envelope and appends it to the
// named worker queue.
func queuePush(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req event.PublishRequest
		if err := decodeJSON(r, &req); err != nil {
			fail(w, r, err)
			return
		}
		name := chi.URLParam(r, "name")
		rec, err := req.Record(name, principal(r).Username)
		if err != nil {
			fail(w, r, badRequest(err))
			return
		}
		ev, err := event.Build(rec, d.Source)
		if err != nil {
			fail(w, r, err)
			return
		}
		raw, err := ev.MarshalJSON()
		if err != nil {
			fail(w, r, err)
			return
		}
		if err := d.Queue.Push(r.Context(), name, raw); err != nil {
			fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// queuePop blocks for up to the wait budget and relays the queued message
// verbatim; an empty object means the queue stayed empty.
func queuePop(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d.WaitBudget)
		defer cancel()

		payload, err := d.Queue.Pop(ctx, chi.URLParam(r, "name"))
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				writeJSON(w, http.StatusOK, struct{}{})
			case errors.Is(err, context.Canceled):
			default:
				fail(w, r, err)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}
}

// splitIDs flattens repeated ids params, each possibly comma separated.
func splitIDs(vals []string) []string {
	var ids []string
	for _, v := range vals {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
