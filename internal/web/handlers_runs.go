package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/pendampingan/internal/core"
	"github.com/JonMunkholm/pendampingan/internal/logging"
)

// handleStartImport starts an import run over a stored dataset.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetID")

	runID, err := s.service.StartImport(r.Context(), datasetID)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}

	logging.FromContext(r.Context()).Info("import started", "run_id", runID, "dataset_id", datasetID)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleImportEvents streams run events as server-sent events. Clients
// resume with Last-Event-ID (or ?lastEventId=) and only receive events with
// a higher sequence number.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	lastSeq := parseLastEventID(r)
	events, unsubscribe, err := s.service.SubscribeEvents(runID, lastSeq)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", ev.Seq, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

// handleImportResult blocks until the run finishes and returns its result.
func (s *Server) handleImportResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Result(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRunStatus returns the current state of a run without waiting.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Run(chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCancelImport cancels an in-progress run.
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.service.Cancel(runID); err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": runID})
}

// handleValidate diffs a dataset against the store. With ?fix=true the
// difference is applied, honouring dry_run, insert_only and delete_only.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fix := queryBool(q.Get("fix"))
	opts := core.ApplyOptions{
		DryRun:     queryBool(q.Get("dry_run")),
		InsertOnly: queryBool(q.Get("insert_only")),
		DeleteOnly: queryBool(q.Get("delete_only")),
	}

	res, err := s.service.Validate(r.Context(), chi.URLParam(r, "datasetID"), fix, opts)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
