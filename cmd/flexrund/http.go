package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"goa.design/clue/log"

	"github.com/flexrun/orchestrator/coordinator"
	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/event/fanout"
	"github.com/flexrun/orchestrator/hitl"
	"github.com/flexrun/orchestrator/persistence"
	"github.com/flexrun/orchestrator/transport"
	"github.com/flexrun/orchestrator/transport/sse"
)

// acceptRequest is the POST /runs wire body: a new run supplies Envelope
// only, a resume supplies Envelope (with Constraints.ResumeRunID set) and
// Resume.
type acceptRequest struct {
	Envelope envelope.Envelope
	Resume   coordinator.AcceptOptions
}

func newMux(coord *coordinator.Coordinator, store persistence.Store, hub *fanout.Hub, hitlSvc hitl.Service) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req acceptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(ctx, w, http.StatusBadRequest, err)
			return
		}
		result, err := coord.Accept(ctx, req.Envelope, req.Resume)
		if err != nil {
			writeError(ctx, w, http.StatusBadRequest, err)
			return
		}
		writeJSON(ctx, w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("id")
		sink, err := sse.NewResponseSink(w)
		if err != nil {
			writeError(r.Context(), w, http.StatusNotImplemented, err)
			return
		}
		defer sink.Close(r.Context())

		detach := hub.Attach(runID, sink)
		defer detach()

		<-r.Context().Done()
	})

	mux.HandleFunc("GET /runs/{id}/debug", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		runID := r.PathValue("id")
		debug, ok, err := store.LoadFlexRunDebug(ctx, runID)
		if err != nil {
			writeError(ctx, w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(ctx, w, http.StatusOK, transport.RedactDebug(debug))
	})

	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		filter := hitl.PendingFilter{
			AssignedTo: r.URL.Query().Get("assignedTo"),
			Role:       r.URL.Query().Get("role"),
			Status:     hitl.RequestStatus(r.URL.Query().Get("status")),
		}
		pending, err := hitlSvc.ListPending(ctx, filter)
		if err != nil {
			writeError(ctx, w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(ctx, w, http.StatusOK, pending)
	})

	mux.HandleFunc("GET /human-tasks", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tasks, err := store.ListPendingHumanTasks(ctx, persistence.PendingTaskFilter{
			AssignedTo: r.URL.Query().Get("assignedTo"),
			Role:       r.URL.Query().Get("role"),
			Status:     r.URL.Query().Get("status"),
		})
		if err != nil {
			writeError(ctx, w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(ctx, w, http.StatusOK, tasks)
	})

	return mux
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode response"})
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	log.Error(ctx, err, log.KV{K: "status", V: status})
	http.Error(w, strings.TrimSpace(err.Error()), status)
}
