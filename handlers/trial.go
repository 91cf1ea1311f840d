package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"pfw.app/cloud/internal/licensing"
)

type TrialStartResponse struct {
	OK bool `json:"ok"`
	*licensing.TrialGrant
}

type TrialStatusResponse struct {
	OK bool `json:"ok"`
	*licensing.TrialState
}

func (s *Server) StartTrial(w http.ResponseWriter, r *http.Request) {
	grant, err := s.Service.StartTrial(r.Context())
	if err != nil {
		writeServiceError(w, r, err, msgInvalidTrial)
		return
	}
	render.JSON(w, r, TrialStartResponse{OK: true, TrialGrant: grant})
}

func (s *Server) TrialStatus(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimSpace(r.URL.Query().Get("trialToken"))
	if tok == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "trialToken is required")
		return
	}

	state, err := s.Service.TrialStatus(r.Context(), tok)
	if err != nil {
		writeServiceError(w, r, err, msgInvalidTrial)
		return
	}
	render.JSON(w, r, TrialStatusResponse{OK: true, TrialState: state})
}
