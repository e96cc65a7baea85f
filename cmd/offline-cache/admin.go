package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	offlinecache "github.com/offline-cache/offline-cache"
	synctags "github.com/offline-cache/offline-cache/pkg/sync-tags"
)

// newAdminRouter mounts the collaborator surfaces and hands everything else
// to the gateway.
func newAdminRouter(gw *offlinecache.Controller, logger zerolog.Logger) chi.Router {
	log := logger.With().Str("component", "admin").Logger()

	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, log, http.StatusOK, gw.Status())
	})
	r.Get("/partitions", func(w http.ResponseWriter, req *http.Request) {
		infos, err := gw.Partitions(req.Context())
		if err != nil {
			log.Error().Err(err).Msg("Could not list partitions")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, log, http.StatusOK, infos)
	})
	r.Delete("/partitions", func(w http.ResponseWriter, req *http.Request) {
		if err := gw.ClearPartitions(req.Context()); err != nil {
			log.Error().Err(err).Msg("Could not clear partitions")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/push", func(w http.ResponseWriter, req *http.Request) {
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := gw.Push(req.Context(), payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/sync/{tag}", func(w http.ResponseWriter, req *http.Request) {
		tag := chi.URLParam(req, "tag")
		if err := gw.TriggerSync(tag); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, synctags.ErrUnknownTag) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/events", clientEvents(gw, log))
	r.Handle("/metrics", gw.MetricsHandler())

	// everything else is application traffic
	r.NotFound(gw.ServeHTTP)
	r.MethodNotAllowed(gw.ServeHTTP)
	return r
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write response body")
	}
}

// clientEvents connects the caller as a client context and streams its
// events as SSE until it goes away. Connected clients hold back waiting
// workers, exactly like open tabs do.
func clientEvents(gw *offlinecache.Controller, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		client := gw.Connect()
		defer gw.Disconnect(client.ID)
		log.Debug().Str("client", client.ID).Msg("Event stream opened")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		fmt.Fprintf(w, "event: connected\ndata: %q\n\n", client.ID)
		flusher.Flush()

		for {
			select {
			case <-req.Context().Done():
				return
			case ev, ok := <-client.Events:
				if !ok {
					return
				}
				b, err := json.Marshal(ev)
				if err != nil {
					log.Error().Err(err).Str("event", ev.Type).Msg("Could not encode client event")
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
				flusher.Flush()
			}
		}
	}
}
