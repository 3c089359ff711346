package nestedhelper

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// forwardRequest is the wire shape aiva-nestedhelperd accepts to register a
// new host-local TCP listener that forwards to a vsock endpoint inside the
// same guest. The host reaches this endpoint through the loopback port the
// nested VM provider (Lima or WSL2) already forwards out of the guest, so
// the request body never crosses an untrusted network.
type forwardRequest struct {
	Proto     string `json:"proto"`
	HostPort  uint16 `json:"host_port"`
	CID       uint32 `json:"cid"`
	GuestPort uint16 `json:"guest_port"`
}

// NewHandler returns the HTTP surface aiva-nestedhelperd exposes on a
// guest-local port. It's a thin wrapper over Manager: every route just
// validates the body and calls through.
func NewHandler(logger *slog.Logger, mgr Manager) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Post("/forwards", func(w http.ResponseWriter, r *http.Request) {
			var req forwardRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "malformed request body", http.StatusBadRequest)
				return
			}
			if req.Proto == "" {
				req.Proto = "tcp"
			}
			if err := mgr.Upsert(r.Context(), req.Proto, req.HostPort, req.CID, req.GuestPort); err != nil {
				logger.Error("upsert forward", "host_port", req.HostPort, "cid", req.CID, "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Delete("/forwards/{proto}/{port}", func(w http.ResponseWriter, r *http.Request) {
			proto := chi.URLParam(r, "proto")
			var port uint16
			if _, err := fmt.Sscan(chi.URLParam(r, "port"), &port); err != nil {
				http.Error(w, "invalid port", http.StatusBadRequest)
				return
			}
			if err := mgr.Remove(r.Context(), proto, port); err != nil {
				logger.Error("remove forward", "proto", proto, "port", port, "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}
