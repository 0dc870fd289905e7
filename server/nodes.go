package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"kernelci.org/api/node"
	"kernelci.org/api/store"
)

// nodePage is the paginated collection response: one page of matches plus
// the total count ignoring pagination.
type nodePage struct {
	Items  []*node.Node `json:"items"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func createNode(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var draft node.Node
		if err := decodeJSON(r, &draft); err != nil {
			fail(w, r, err)
			return
		}
		n, err := d.Service.CreateNode(r.Context(), &draft, principal(r))
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	}
}

func getNode(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := d.Service.GetNode(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func updateNode(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch node.Patch
		if err := decodeJSON(r, &patch); err != nil {
			fail(w, r, err)
			return
		}
		n, err := d.Service.UpdateNode(r.Context(), chi.URLParam(r, "id"), &patch, principal(r))
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func listNodes(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := parseLimit(q.Get("limit"), defaultNodeLimit)
		if err != nil {
			fail(w, r, err)
			return
		}
		offset, err := parseOffset(q.Get("offset"))
		if err != nil {
			fail(w, r, err)
			return
		}
		filter, err := node.ParseQuery(q, "limit", "offset")
		if err != nil {
			fail(w, r, badRequest(err))
			return
		}
		items, total, err := d.Service.ListNodes(r.Context(), filter, store.Page{Limit: limit, Offset: offset})
		if err != nil {
			fail(w, r, err)
			return
		}
		if items == nil {
			items = []*node.Node{}
		}
		writeJSON(w, http.StatusOK, nodePage{Items: items, Total: total, Limit: limit, Offset: offset})
	}
}

func countNodes(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := node.ParseQuery(r.URL.Query())
		if err != nil {
			fail(w, r, badRequest(err))
			return
		}
		total, err := d.Service.CountNodes(r.Context(), filter)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, total)
	}
}
