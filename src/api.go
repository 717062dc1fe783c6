package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// apiHandler serves requests addressed to the proxy itself: the recent
// records, their live feed and the per-target stats.
func (a *app) apiHandler() http.Handler {
	mux := http.NewServeMux()

	// /api/records  (list + clear)
	mux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		a.log.Debug("api request", "method", r.Method, "uri", r.RequestURI)
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, a.records.list())
		case http.MethodDelete:
			a.records.clear()
			a.broker.publish(event{Type: "cleared"})
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// /api/records/{id}
	mux.HandleFunc("/api/records/", func(w http.ResponseWriter, r *http.Request) {
		a.log.Debug("api request", "method", r.Method, "uri", r.RequestURI)
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/records/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		rec, ok := a.records.get(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st := buildStats(a.stats, r)
		st.Records = a.records.len()
		st.IDsIssued = a.seq.Issued()
		st.ActiveTunnels = a.tunnels.Active()
		st.SSEClients = a.broker.clientCount()
		writeJSON(w, http.StatusOK, st)
	})

	// SSE events
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := a.broker.addClient()
		defer a.broker.removeClient(ch)

		fmt.Fprintf(w, ": ok\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "This is an intercepting proxy. See /api/records, /api/stats and /events.", http.StatusNotFound)
	})
	return mux
}
