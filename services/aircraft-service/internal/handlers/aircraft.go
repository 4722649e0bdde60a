package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/fleet"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
)

type AircraftService interface {
	Create(ctx context.Context, in fleet.CreateInput) (*model.Aircraft, error)
	Update(ctx context.Context, id string, version int64, p fleet.Patch) (*model.Aircraft, error)
	Delete(ctx context.Context, id string, version int64) (*model.Aircraft, error)
	Get(ctx context.Context, id string) (*model.Aircraft, error)
}

type AircraftHandler struct {
	svc    AircraftService
	logger *slog.Logger
}

func NewAircraftHandler(svc AircraftService, logger *slog.Logger) *AircraftHandler {
	return &AircraftHandler{svc: svc, logger: logger}
}

func (h *AircraftHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/aircraft", h.Create)
	mux.HandleFunc("GET /api/v1/aircraft/{id}", h.Get)
	mux.HandleFunc("PATCH /api/v1/aircraft/{id}", h.Update)
	mux.HandleFunc("DELETE /api/v1/aircraft/{id}", h.Delete)
}

type createAircraftRequest struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Model    string       `json:"model"`
	Status   model.Status `json:"status"`
	Location string       `json:"location"`
}

type updateAircraftRequest struct {
	Version  int64         `json:"version"`
	Name     *string       `json:"name"`
	Model    *string       `json:"model"`
	Status   *model.Status `json:"status"`
	Location *string       `json:"location"`
}

func (h *AircraftHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAircraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	a, err := h.svc.Create(r.Context(), fleet.CreateInput{
		ID:       req.ID,
		Name:     req.Name,
		Model:    req.Model,
		Status:   req.Status,
		Location: req.Location,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("ETag", etag(a.Version))
	w.Header().Set("Location", "/api/v1/aircraft/"+a.ID)
	writeJSON(w, http.StatusCreated, a)
}

func (h *AircraftHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("ETag", etag(a.Version))
	writeJSON(w, http.StatusOK, a)
}

// Update takes the expected version from If-Match, falling back to the
// version field of the body.
func (h *AircraftHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateAircraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	version, err := parseIfMatch(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if version == 0 {
		version = req.Version
	}
	a, err := h.svc.Update(r.Context(), r.PathValue("id"), version, fleet.Patch{
		Name:     req.Name,
		Model:    req.Model,
		Status:   req.Status,
		Location: req.Location,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("ETag", etag(a.Version))
	writeJSON(w, http.StatusOK, a)
}

func (h *AircraftHandler) Delete(w http.ResponseWriter, r *http.Request) {
	version, err := parseIfMatch(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if raw := r.URL.Query().Get("version"); version == 0 && raw != "" {
		version, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
	}
	if _, err := h.svc.Delete(r.Context(), r.PathValue("id"), version); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
