package authz

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/provisio-io/provisio/internal/platform/httpx"
)

// Handler exposes tuple queries over HTTP. Mutations happen only through the
// provisioning saga; this surface is read-only.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers authz routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/check", h.check)
	r.Get("/users/{userID}/organizations", h.userOrganizations)
	r.Get("/users/{userID}/resources", h.userResources)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	relation := q.Get("relation")
	orgID := q.Get("organization_id")
	resourceID := q.Get("resource_id")
	if userID == "" || relation == "" || (orgID == "") == (resourceID == "") {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id, relation and exactly one of organization_id or resource_id are required")
		return
	}

	var (
		allowed bool
		err     error
	)
	if orgID != "" {
		allowed, err = h.service.CheckPermissionOnOrg(r.Context(), userID, relation, orgID)
	} else {
		allowed, err = h.service.CheckPermissionOnResource(r.Context(), userID, relation, resourceID)
	}
	if err != nil {
		h.logger.Error("permission check failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (h *Handler) userOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.service.UserOrganizations(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.logger.Error("list user organizations failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

func (h *Handler) userResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.service.UserResources(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.logger.Error("list user resources failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"resources": resources})
}
