package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pavelanni/skillcheck/internal/model"
)

type createOrganisationRequest struct {
	Name             string `json:"name"`
	AdminUsername    string `json:"adminUsername"`
	AdminDisplayName string `json:"adminDisplayName"`
	AdminPassword    string `json:"adminPassword"`
}

type organisationResponse struct {
	Organisation model.Organisation `json:"organisation"`
	Admin        model.User         `json:"admin"`
}

func (h *Handler) handleCreateOrganisation(w http.ResponseWriter, r *http.Request) {
	var req createOrganisationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		h.writeError(w, r, fmt.Errorf("%w: organisation name is required", model.ErrValidation))
		return
	}
	admin, err := newUser("", createUserRequest{
		Username:    req.AdminUsername,
		DisplayName: req.AdminDisplayName,
		Password:    req.AdminPassword,
	}, model.UserRoleOrgAdmin)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	org, admin, err := h.store.CreateOrganisation(r.Context(), name, admin)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, organisationResponse{Organisation: org, Admin: admin})
}

func (h *Handler) handleListOrganisations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.store.ListOrganisations(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(orgs))
}
