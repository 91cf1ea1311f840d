package handlers

import (
	"net/http"

	"github.com/go-chi/render"

	"pfw.app/cloud/internal/licensing"
)

// LicenseRequest carries either a license key or a full license token.
type LicenseRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required"`
}

type VerifyResponse struct {
	OK bool `json:"ok"`
	*licensing.Verified
}

type RedeemResponse struct {
	OK        bool   `json:"ok"`
	FullToken string `json:"fullToken"`
}

func (s *Server) VerifyLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	if !s.decode(w, r, &req) {
		return
	}

	verified, err := s.Service.VerifyLicense(r.Context(), req.LicenseKey)
	if err != nil {
		writeServiceError(w, r, err, msgInvalidLicense)
		return
	}
	render.JSON(w, r, VerifyResponse{OK: true, Verified: verified})
}

func (s *Server) RedeemLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	if !s.decode(w, r, &req) {
		return
	}

	tok, err := s.Service.RedeemLicense(r.Context(), req.LicenseKey)
	if err != nil {
		writeServiceError(w, r, err, msgInvalidLicense)
		return
	}
	render.JSON(w, r, RedeemResponse{OK: true, FullToken: tok})
}
