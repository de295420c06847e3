// Package httpapi wires the task-facing HTTP surface: submission, fetch,
// list, cancel, input injection (C7), download and delete, all scoped to
// the authenticated caller's client id.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"flowrunner/internal/apierr"
	"flowrunner/internal/auth"
	"flowrunner/internal/mediator"
	"flowrunner/internal/models"
	"flowrunner/internal/scheduler"
	"flowrunner/internal/store"
	"flowrunner/internal/telemetry"
)

// Server wires HTTP handlers for the task-facing API.
type Server struct {
	store      *store.Store
	scheduler  *scheduler.Scheduler
	mediators  *mediator.Registry
	verifier   auth.Verifier
	maxUpload  int64
}

// New constructs the HTTP API server.
func New(st *store.Store, sched *scheduler.Scheduler, mediators *mediator.Registry, verifier auth.Verifier, maxUploadBytes int64) *Server {
	return &Server{store: st, scheduler: sched, mediators: mediators, verifier: verifier, maxUpload: maxUploadBytes}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/input", s.handleInput)
		r.Get("/{id}/download", s.handleDownload)
		r.Delete("/{id}", s.handleDelete)
	})

	return r
}

type identityKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerFromHeader(r.Header.Get("Authorization"))
		identity, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := setIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, apierr.Wrap(apierr.ValidationFailed, "invalid multipart form", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apierr.Wrap(apierr.ValidationFailed, "file is required", err))
		return
	}
	defer file.Close()

	inputTimeout := 0
	if v := r.FormValue("input_timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			inputTimeout = n
		}
	}

	task, err := s.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
		ClientID:            identity.ClientID,
		FlowID:              r.FormValue("flow_id"),
		Filename:            header.Filename,
		FlowBlob:            file,
		InputTimeoutSeconds: inputTimeout,
		IdempotencyKey:      r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if task.ClientID != identity.ClientID {
		writeError(w, apierr.New(apierr.NotFound, "task not found"))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type listResponse struct {
	Tasks []models.Task `json:"tasks"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	tasks, total, err := s.store.ListTasks(r.Context(), store.ListParams{ClientID: identity.ClientID, Page: page, Size: size})
	if err != nil {
		writeError(w, err)
		return
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Total: total, Page: page, Size: size})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.ClientID != identity.ClientID {
		writeError(w, apierr.New(apierr.NotFound, "task not found"))
		return
	}

	updated, err := s.scheduler.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type inputRequest struct {
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.ClientID != identity.ClientID {
		writeError(w, apierr.New(apierr.NotFound, "task not found"))
		return
	}

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.ValidationFailed, "invalid json body", err))
		return
	}

	actor, ok := s.mediators.Get(id)
	if !ok {
		writeError(w, apierr.New(apierr.NotWaiting, "task is not currently waiting for input"))
		return
	}

	env := models.Envelope{
		Type: models.EnvelopeInputResponse, TaskID: id,
		RequestID: &req.RequestID, Data: models.StringData(req.Data),
	}
	if err := actor.SubmitInputResponse(r.Context(), env); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.ClientID != identity.ClientID {
		writeError(w, apierr.New(apierr.NotFound, "task not found"))
		return
	}

	body, err := s.scheduler.Download(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+id+".zip\"")
	_, _ = copyBody(w, body)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.ClientID != identity.ClientID {
		writeError(w, apierr.New(apierr.NotFound, "task not found"))
		return
	}

	if err := s.store.SoftDelete(r.Context(), id, force); err != nil {
		writeError(w, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "deleted", "force="+strconv.FormatBool(force))
	w.WriteHeader(http.StatusNoContent)
}

func bearerFromHeader(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(kind), "message": err.Error()})
}
