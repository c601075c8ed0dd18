package web

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/pendampingan/internal/report"
)

// handleDownloadReport serves a failure report as an attachment.
func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")

	rc, err := s.reports.Open(r.Context(), name)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("report download interrupted", "file", name, "error", err)
	}
}

// handleReportSummary returns the failure counts of a report by reason.
// ?samples=N sets the samples kept per reason.
func (s *Server) handleReportSummary(w http.ResponseWriter, r *http.Request) {
	failures, err := s.reports.Load(r.Context(), chi.URLParam(r, "filename"))
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("samples"))
	writeJSON(w, http.StatusOK, report.Summarize(failures, limit))
}
