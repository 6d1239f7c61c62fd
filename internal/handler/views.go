package handler

import (
	"context"
	"io"
	"net/http"

	appI18n "github.com/pavelanni/skillcheck/internal/i18n"
	"github.com/pavelanni/skillcheck/internal/model"
	"github.com/pavelanni/skillcheck/internal/route"
)

type viewResponse struct {
	Route route.Route `json:"route"`
	Data  any         `json:"data,omitempty"`
}

// screens loads the data each route's screen shows for one request.
type screens struct {
	h *Handler
	r *http.Request
}

func (s screens) user() *model.User {
	return model.UserFromContext(s.r.Context())
}

func (s screens) Login(context.Context, route.Login) (any, error) {
	return nil, nil
}

func (s screens) TeamSkills(context.Context, route.TeamSkills) (any, error) {
	return s.h.teamSkills(s.r)
}

func (s screens) CandidateDashboard(ctx context.Context, _ route.CandidateDashboard) (any, error) {
	results, err := s.h.store.ListResults(ctx, s.user().OrgID)
	return nonNil(results), err
}

func (s screens) TestBuilder(ctx context.Context, _ route.TestBuilder) (any, error) {
	orgID := s.user().OrgID
	questions, err := s.h.store.ListQuestions(ctx, orgID, "", "")
	if err != nil {
		return nil, err
	}
	tests, err := s.h.store.ListTests(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"questions": nonNil(questions), "tests": nonNil(tests)}, nil
}

func (s screens) CandidateReport(ctx context.Context, r route.CandidateReport) (any, error) {
	return s.h.store.GetResult(ctx, s.user().OrgID, r.ResultID)
}

func (s screens) CandidateWelcome(ctx context.Context, r route.CandidateWelcome) (any, error) {
	tests, err := s.h.listTestSummaries(s.r)
	if err != nil {
		return nil, err
	}
	results, err := s.h.store.ListSharedResults(ctx, s.user().OrgID, r.UserName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tests": tests, "results": nonNil(results)}, nil
}

func (s screens) TestInProgress(ctx context.Context, r route.TestInProgress) (any, error) {
	set, err := s.h.cache.Get(ctx, s.user().OrgID, r.TestID)
	if err != nil {
		return nil, err
	}
	return publicView(set), nil
}

func (s screens) PlatformAdmin(ctx context.Context, _ route.PlatformAdmin) (any, error) {
	orgs, err := s.h.store.ListOrganisations(ctx)
	return nonNil(orgs), err
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, rt route.Route) {
	if !route.Allowed(model.UserFromContext(r.Context()), rt) {
		writeMessage(w, http.StatusForbidden, appI18n.T(r.Context(), "ErrForbidden"))
		return
	}
	data, err := route.Dispatch(r.Context(), rt, screens{h: h, r: r})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{Route: rt, Data: data})
}

// handleHome renders the landing screen for the current user.
func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, route.Home(model.UserFromContext(r.Context())))
}

// handleNavigate renders the screen named in the request body.
func (h *Handler) handleNavigate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rt, err := route.Decode(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.render(w, r, rt)
}
