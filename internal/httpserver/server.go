// Package httpserver exposes the query execution API over HTTP.
package httpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/engine"
	"github.com/n3dwh/query-executor/internal/model"
	"github.com/n3dwh/query-executor/internal/runner"
	"github.com/n3dwh/query-executor/internal/store"
)

const (
	defaultLimit = 1000
	maxLimit     = 1000
)

// Engine is the slice of the execution engine the API serves.
type Engine interface {
	Submit(ctx context.Context, query, sourceConn, identityID string, destTypes []string, guid string) (*model.QueryExecution, error)
	GetRun(ctx context.Context, guid string, ident model.Identity) (*model.QueryExecution, error)
	GetResults(ctx context.Context, guid string, ident model.Identity, limit, offset int) ([]map[string]interface{}, error)
	Terminate(ctx context.Context, guid string, ident model.Identity) error
	DeleteResults(ctx context.Context, guids []string, ident model.Identity) error
	RotateKey(ctx context.Context, oldKey string) (int, error)
}

// Publications answers existence checks against the analytics database.
type Publications interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Server builds the HTTP router over the engine.
type Server struct {
	engine    Engine
	pubs      Publications
	jwtSecret string
}

// New constructs a Server.
func New(engine Engine, pubs Publications, jwtSecret string) *Server {
	return &Server{engine: engine, pubs: pubs, jwtSecret: jwtSecret}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware(s.jwtSecret))

		r.Post("/queries", s.handleSubmit)
		r.Post("/queries/delete", s.handleDeleteResults)
		r.Get("/queries/{guid}", s.handleGetRun)
		r.Get("/queries/{guid}/results", s.handleGetResults)
		r.Delete("/queries/{guid}", s.handleTerminate)
		r.Post("/keys/rotate", s.handleRotateKey)
		r.Get("/publications", s.handleGetPublication)
	})

	return r
}

type submitRequest struct {
	Query              string   `json:"query"`
	ConnString         string   `json:"conn_string"`
	ResultDestinations []string `json:"result_destinations"`
	RunGUID            string   `json:"run_guid"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorMsg("malformed request body"))
		return
	}
	if req.Query == "" || req.ConnString == "" {
		writeJSON(w, http.StatusBadRequest, errorMsg("query and conn_string are required"))
		return
	}
	if len(req.ResultDestinations) == 0 {
		req.ResultDestinations = []string{model.DestTypeTable}
	}

	ident := identityFrom(r.Context())
	qe, err := s.engine.Submit(r.Context(), req.Query, req.ConnString, ident.ID, req.ResultDestinations, req.RunGUID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":   qe.ID,
		"guid": qe.GUID,
	})
}

type destinationView struct {
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	Path             string          `json:"path,omitempty"`
	AccessCreds      json.RawMessage `json:"access_creds,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	qe, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "guid"), identityFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	dests := make([]destinationView, 0, len(qe.Destinations))
	for _, d := range qe.Destinations {
		view := destinationView{
			Type:             d.Type,
			Status:           string(d.Status),
			Path:             d.Path,
			ErrorDescription: d.ErrorDescription,
		}
		if d.AccessCreds != "" {
			view.AccessCreds = json.RawMessage(d.AccessCreds)
		}
		dests = append(dests, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                  qe.ID,
		"guid":                qe.GUID,
		"status":              qe.Status,
		"error_description":   qe.ErrorDescription,
		"result_destinations": dests,
	})
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	rows, err := s.engine.GetResults(r.Context(), chi.URLParam(r, "guid"), identityFrom(r.Context()), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxLimit {
			return 0, 0, errors.New("limit must be an integer in (0, 1000]")
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	if err := s.engine.Terminate(r.Context(), guid, identityFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"guid": guid, "status": string(model.StatusCancelled)})
}

type deleteRequest struct {
	GUIDs []string `json:"guids"`
}

func (s *Server) handleDeleteResults(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorMsg("malformed request body"))
		return
	}
	if len(req.GUIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorMsg("guids are required"))
		return
	}
	if err := s.engine.DeleteResults(r.Context(), req.GUIDs, identityFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": req.GUIDs})
}

type rotateRequest struct {
	OldKey string `json:"old_key"`
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorMsg("malformed request body"))
		return
	}
	if _, err := hex.DecodeString(req.OldKey); err != nil || req.OldKey == "" {
		writeJSON(w, http.StatusBadRequest, errorMsg("old_key must be a hex-encoded key"))
		return
	}

	n, err := s.engine.RotateKey(r.Context(), req.OldKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rotated": n})
}

func (s *Server) handleGetPublication(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("publish_name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorMsg("publish_name is required"))
		return
	}
	exists, err := s.pubs.Exists(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"publish_name": name, "exists": exists})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err))
	case errors.Is(err, engine.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody(err))
	case errors.Is(err, engine.ErrUnprocessable):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err))
	case errors.Is(err, runner.ErrNotRunning):
		writeJSON(w, http.StatusConflict, errorBody(err))
	case errors.Is(err, store.ErrLockUnavailable):
		writeJSON(w, http.StatusConflict, errorBody(err))
	default:
		log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorMsg("internal error"))
	}
}

func errorBody(err error) map[string]string { return errorMsg(err.Error()) }

func errorMsg(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("encode response")
	}
}
