package provisioning

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/provisio-io/provisio/internal/platform/httpx"
)

// Handler exposes provisioning requests over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers provisioning routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/requests", h.submit)
	r.Get("/requests/{id}", h.status)
	r.Get("/requests/{id}/result", h.result)
	r.Get("/requests/{id}/approvals", h.approvals)
	r.Post("/requests/{id}/approval", h.decide)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	res, err := h.service.Submit(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.logger.Error("submit provisioning request", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Existing {
		status = http.StatusOK
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

// result blocks until the request settles or the request context expires.
func (h *Handler) result(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Wait(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if r.Context().Err() != nil {
			httpx.JSON(w, http.StatusOK, view)
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	trail, err := h.service.Approvals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("list approvals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": trail})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var decision ApprovalDecision
	if err := httpx.DecodeJSON(r, &decision); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.service.Decide(r.Context(), chi.URLParam(r, "id"), decision); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
