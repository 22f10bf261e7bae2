package directory

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/provisio-io/provisio/internal/platform/httpx"
)

// Handler exposes directory reads over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers directory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/members/{id}", h.getMember)
	r.Get("/organizations/{orgID}/members", h.listMembers)
	r.Get("/resources/{id}", h.getResource)
	r.Get("/organizations/{orgID}/resources", h.listResources)
}

func (h *Handler) getMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.service.Member(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, "get member", err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.Members(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		h.respondError(w, "list members", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handler) getResource(w http.ResponseWriter, r *http.Request) {
	resource, err := h.service.Resource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, "get resource", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resource)
}

func (h *Handler) listResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.service.Resources(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		h.respondError(w, "list resources", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	h.logger.Error(op+" failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
