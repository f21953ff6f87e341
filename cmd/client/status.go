package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/registry"
	"github.com/matst80/burrow/internal/web"
)

// statusHandler serves Prometheus metrics plus health, state and a small status page.
func statusHandler(name string, t *tracker, reg registry.Store) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(t.collect(name))
	})
	mux.HandleFunc("/api/tunnels/{name}", func(w http.ResponseWriter, r *http.Request) {
		a, err := reg.Lookup(r.Context(), r.PathValue("name"))
		if errors.Is(err, registry.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "status", t.collect(name).ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !t.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if cfg.Debug {
		return requestlog.Wrap(mux)
	}
	return mux
}

// startStatusServer runs the status listener until ctx ends.
func startStatusServer(ctx context.Context, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	obs.Info("status.listen", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("status.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
