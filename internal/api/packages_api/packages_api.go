package packages_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BearBump/parcelsync/internal/logging"
	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/services/packages"
	"github.com/BearBump/parcelsync/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

type Service interface {
	Create(ctx context.Context, in models.PackageCreateInput) (*models.PackageRecord, error)
	Get(ctx context.Context, trackingNumber string) (*models.PackageRecord, error)
	List(ctx context.Context, limit, offset int) ([]*models.PackageRecord, error)
	UpdateCarrier(ctx context.Context, trackingNumber string, carrierID *string) (*models.PackageRecord, error)
	Delete(ctx context.Context, trackingNumber string) error
	Resync(ctx context.Context, trackingNumber string) error
}

type PackagesAPI struct {
	svc Service
}

func New(svc Service) *PackagesAPI {
	return &PackagesAPI{svc: svc}
}

type createRequest struct {
	TrackingNumber string  `json:"trackingNumber"`
	CarrierID      *string `json:"carrierId"`
}

type updateRequest struct {
	CarrierID *string `json:"carrierId"`
}

type listResponse struct {
	Items []*models.PackageRecord `json:"items"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Mount registers the /packages routes on r.
func (a *PackagesAPI) Mount(r chi.Router) {
	r.Route("/packages", func(r chi.Router) {
		r.Post("/", a.create)
		r.Get("/", a.list)
		r.Get("/{trackingNumber}", a.get)
		r.Put("/{trackingNumber}", a.updateCarrier)
		r.Delete("/{trackingNumber}", a.delete)
		r.Post("/{trackingNumber}/sync", a.resync)
	})
}

// Handler is a standalone router with the API and its middleware.
func (a *PackagesAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	a.Mount(r)
	return r
}

func (a *PackagesAPI) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	rec, err := a.svc.Create(r.Context(), models.PackageCreateInput{
		TrackingNumber: req.TrackingNumber,
		CarrierID:      req.CarrierID,
	})
	if err != nil {
		writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *PackagesAPI) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	recs, err := a.svc.List(r.Context(), limit, offset)
	if err != nil {
		writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: recs})
}

func (a *PackagesAPI) get(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.Get(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *PackagesAPI) updateCarrier(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	rec, err := a.svc.UpdateCarrier(r.Context(), chi.URLParam(r, "trackingNumber"), req.CarrierID)
	if err != nil {
		writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *PackagesAPI) delete(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Delete(r.Context(), chi.URLParam(r, "trackingNumber")); err != nil {
		writeError(r, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *PackagesAPI) resync(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Resync(r.Context(), chi.URLParam(r, "trackingNumber")); err != nil {
		writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "synchronization started"})
}

func writeError(r *http.Request, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, packages.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, storage.ErrRecordNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "package not found"})
	case errors.Is(err, storage.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "package already exists"})
	default:
		slog.ErrorContext(r.Context(), "packages api", "method", r.Method, "path", r.URL.Path, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
