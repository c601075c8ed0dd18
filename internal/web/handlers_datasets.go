package web

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/pendampingan/internal/dataset"
	"github.com/JonMunkholm/pendampingan/internal/logging"
)

// handleCreateDataset stores an uploaded JSON source. The body is either a
// multipart form with a "file" part or the raw JSON document.
func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxUploadSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	var (
		src  io.Reader = r.Body
		name           = r.URL.Query().Get("name")
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(maxSize); err != nil {
			s.respondError(w, r, err, 0)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			s.respondError(w, r, err, http.StatusBadRequest)
			return
		}
		defer file.Close()
		src = file
		if name == "" {
			name = header.Filename
		}
	}

	records, err := dataset.Decode(src, maxSize)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}

	info, err := s.datasets.Put(r.Context(), name, records)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}

	logging.FromContext(r.Context()).Info("dataset stored",
		"dataset_id", info.ID,
		"name", info.Name,
		"records", info.Records,
	)
	writeJSON(w, http.StatusCreated, info)
}

// handleGetDataset returns dataset metadata without its records.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasets.Get(r.Context(), chi.URLParam(r, "datasetID"))
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, ds.Info)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := s.datasets.Delete(r.Context(), chi.URLParam(r, "datasetID")); err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
