// Package route models the screens a session can be on. Each variant carries
// exactly the payload its screen needs.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/skillcheck/internal/model"
)

// ErrUnknownView is returned when decoding an unrecognised view name.
var ErrUnknownView = errors.New("unknown view")

// Kind names a screen on the wire.
type Kind string

const (
	KindLogin              Kind = "login"
	KindTeamSkills         Kind = "orgAdminTeamSkills"
	KindCandidateDashboard Kind = "orgAdminDashboard"
	KindTestBuilder        Kind = "orgAdminTestBuilder"
	KindCandidateReport    Kind = "orgAdminResults"
	KindCandidateWelcome   Kind = "candidateDashboard"
	KindTestInProgress     Kind = "candidateTestInProgress"
	KindPlatformAdmin      Kind = "platformAdmin"
)

// Route is one of the variants below.
type Route interface {
	Kind() Kind
	route()
}

type Login struct{}

// TeamSkills shows organisation-wide topic averages.
type TeamSkills struct{}

// CandidateDashboard lists every result in the organisation.
type CandidateDashboard struct{}

// TestBuilder edits the question bank and test definitions.
type TestBuilder struct{}

// CandidateReport shows one result to an administrator.
type CandidateReport struct {
	ResultID string
}

// CandidateWelcome is a candidate's landing screen.
type CandidateWelcome struct {
	UserName string
}

// TestInProgress presents a test to a candidate.
type TestInProgress struct {
	TestID string
}

// PlatformAdmin manages organisations.
type PlatformAdmin struct{}

func (Login) Kind() Kind              { return KindLogin }
func (TeamSkills) Kind() Kind         { return KindTeamSkills }
func (CandidateDashboard) Kind() Kind { return KindCandidateDashboard }
func (TestBuilder) Kind() Kind        { return KindTestBuilder }
func (CandidateReport) Kind() Kind    { return KindCandidateReport }
func (CandidateWelcome) Kind() Kind   { return KindCandidateWelcome }
func (TestInProgress) Kind() Kind     { return KindTestInProgress }
func (PlatformAdmin) Kind() Kind      { return KindPlatformAdmin }

func (Login) route()              {}
func (TeamSkills) route()         {}
func (CandidateDashboard) route() {}
func (TestBuilder) route()        {}
func (CandidateReport) route()    {}
func (CandidateWelcome) route()   {}
func (TestInProgress) route()     {}
func (PlatformAdmin) route()      {}

// Home returns the landing route for a user.
func Home(u *model.User) Route {
	if u == nil || !u.Active {
		return Login{}
	}
	switch u.Role {
	case model.UserRolePlatformAdmin:
		return PlatformAdmin{}
	case model.UserRoleOrgAdmin:
		return CandidateDashboard{}
	case model.UserRoleCandidate:
		return CandidateWelcome{UserName: u.Username}
	default:
		return Login{}
	}
}

// Allowed reports whether u may open r.
func Allowed(u *model.User, r Route) bool {
	if _, ok := r.(Login); ok {
		return true
	}
	if u == nil || !u.Active {
		return false
	}
	switch r := r.(type) {
	case TeamSkills, CandidateDashboard, TestBuilder, CandidateReport:
		return u.Role == model.UserRoleOrgAdmin
	case CandidateWelcome:
		return u.Role == model.UserRoleCandidate && r.UserName == u.Username
	case TestInProgress:
		return u.Role == model.UserRoleCandidate
	case PlatformAdmin:
		return u.Role == model.UserRolePlatformAdmin
	default:
		return false
	}
}

// Views renders each screen.
type Views interface {
	Login(ctx context.Context, r Login) (any, error)
	TeamSkills(ctx context.Context, r TeamSkills) (any, error)
	CandidateDashboard(ctx context.Context, r CandidateDashboard) (any, error)
	TestBuilder(ctx context.Context, r TestBuilder) (any, error)
	CandidateReport(ctx context.Context, r CandidateReport) (any, error)
	CandidateWelcome(ctx context.Context, r CandidateWelcome) (any, error)
	TestInProgress(ctx context.Context, r TestInProgress) (any, error)
	PlatformAdmin(ctx context.Context, r PlatformAdmin) (any, error)
}

// Dispatch calls the view matching r.
func Dispatch(ctx context.Context, r Route, v Views) (any, error) {
	switch r := r.(type) {
	case Login:
		return v.Login(ctx, r)
	case TeamSkills:
		return v.TeamSkills(ctx, r)
	case CandidateDashboard:
		return v.CandidateDashboard(ctx, r)
	case TestBuilder:
		return v.TestBuilder(ctx, r)
	case CandidateReport:
		return v.CandidateReport(ctx, r)
	case CandidateWelcome:
		return v.CandidateWelcome(ctx, r)
	case TestInProgress:
		return v.TestInProgress(ctx, r)
	case PlatformAdmin:
		return v.PlatformAdmin(ctx, r)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownView, r)
	}
}

type wire struct {
	View     Kind   `json:"view"`
	ResultID string `json:"resultId,omitempty"`
	UserName string `json:"userName,omitempty"`
	TestID   string `json:"testId,omitempty"`
}

// Encode writes r as {"view": kind, ...payload}.
func Encode(r Route) ([]byte, error) {
	w := wire{View: r.Kind()}
	switch r := r.(type) {
	case CandidateReport:
		w.ResultID = r.ResultID
	case CandidateWelcome:
		w.UserName = r.UserName
	case TestInProgress:
		w.TestID = r.TestID
	}
	return json.Marshal(w)
}

// Decode parses a route and checks its payload is present.
func Decode(data []byte) (Route, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	switch w.View {
	case KindLogin:
		return Login{}, nil
	case KindTeamSkills:
		return TeamSkills{}, nil
	case KindCandidateDashboard:
		return CandidateDashboard{}, nil
	case KindTestBuilder:
		return TestBuilder{}, nil
	case KindCandidateReport:
		if w.ResultID == "" {
			return nil, fmt.Errorf("%w: %s needs resultId", model.ErrValidation, w.View)
		}
		return CandidateReport{ResultID: w.ResultID}, nil
	case KindCandidateWelcome:
		if w.UserName == "" {
			return nil, fmt.Errorf("%w: %s needs userName", model.ErrValidation, w.View)
		}
		return CandidateWelcome{UserName: w.UserName}, nil
	case KindTestInProgress:
		if w.TestID == "" {
			return nil, fmt.Errorf("%w: %s needs testId", model.ErrValidation, w.View)
		}
		return TestInProgress{TestID: w.TestID}, nil
	case KindPlatformAdmin:
		return PlatformAdmin{}, nil
	default:
		return nil, fmt.Errorf("%w: %w %q", model.ErrValidation, ErrUnknownView, w.View)
	}
}

func (r Login) MarshalJSON() ([]byte, error)              { return Encode(r) }
func (r TeamSkills) MarshalJSON() ([]byte, error)         { return Encode(r) }
func (r CandidateDashboard) MarshalJSON() ([]byte, error) { return Encode(r) }
func (r TestBuilder) MarshalJSON() ([]byte, error)        { return Encode(r) }
func (r CandidateReport) MarshalJSON() ([]byte, error)    { return Encode(r) }
func (r CandidateWelcome) MarshalJSON() ([]byte, error)   { return Encode(r) }
func (r TestInProgress) MarshalJSON() ([]byte, error)     { return Encode(r) }
func (r PlatformAdmin) MarshalJSON() ([]byte, error)      { return Encode(r) }
