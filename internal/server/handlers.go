package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/malbeclabs/tripflow/internal/ingest"
	"github.com/malbeclabs/tripflow/internal/project"
	"github.com/malbeclabs/tripflow/internal/query"
)

var errBadRequest = errors.New("bad request")

// statusFor maps service errors onto HTTP status codes. Anything not caused by the request is a
// server error, including a project that does not exist.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, project.ErrInvalidName),
		errors.Is(err, query.ErrUnknownColumn),
		errors.Is(err, query.ErrInvalidFilter),
		errors.Is(err, query.ErrQueryFailed),
		errors.Is(err, ingest.ErrInvalidUploadHeader),
		errors.Is(err, ingest.ErrInvalidUpload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.log.Debug("server: bad request", "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// projectParam reads the project query parameter, falling back to the default project when it
// is optional.
func projectParam(r *http.Request, required bool) (string, error) {
	name := r.URL.Query().Get("project")
	if name == "" {
		if required {
			return "", fmt.Errorf("%w: project is required", errBadRequest)
		}
		name = defaultProject
	}
	return name, nil
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	names, err := s.cfg.Query.ListProjects()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, "text/plain; charset=utf-8", strings.Join(names, ","))
}

func (s *Server) listColumns(w http.ResponseWriter, r *http.Request) {
	name, err := projectParam(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cols, err := s.cfg.Query.ListColumns(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, "text/plain; charset=utf-8", strings.Join(cols, ",")+"\n")
}

func (s *Server) listVertices(w http.ResponseWriter, r *http.Request) {
	name, _ := projectParam(r, false)
	out, err := s.cfg.Query.ListVertices(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, "text/csv; charset=utf-8", out)
}

func (s *Server) traffic(w http.ResponseWriter, r *http.Request) {
	name, _ := projectParam(r, false)

	filters := make(map[string]string)
	for key, values := range r.URL.Query() {
		if key == "project" || len(values) == 0 {
			continue
		}
		filters[key] = values[0]
	}

	out, err := s.cfg.Query.Traffic(r.Context(), name, filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, "text/plain; charset=utf-8", out)
}

func (s *Server) rawQuery(w http.ResponseWriter, r *http.Request) {
	name, _ := projectParam(r, false)
	sql := r.URL.Query().Get("query")
	if sql == "" {
		s.writeError(w, r, fmt.Errorf("%w: query is required", errBadRequest))
		return
	}

	res, err := s.cfg.Query.RawQuery(r.Context(), name, sql)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := res.CSV()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, "text/csv; charset=utf-8", out)
}

func (s *Server) uploadDataset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	name := r.FormValue("project")
	if name == "" {
		s.writeError(w, r, fmt.Errorf("%w: project is required", errBadRequest))
		return
	}

	movements, _, err := r.FormFile("movements")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: movements file: %w", errBadRequest, err))
		return
	}
	defer movements.Close()

	vertices, _, err := r.FormFile("vertices")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: vertices file: %w", errBadRequest, err))
		return
	}
	defer vertices.Close()

	if err := s.cfg.Uploader.Upload(r.Context(), name, movements, vertices); err != nil {
		s.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, "/visualise.html?project="+url.QueryEscape(name), http.StatusOK)
}
