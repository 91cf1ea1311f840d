package handlers

import (
	"net/http"

	"github.com/go-chi/render"

	"pfw.app/cloud/internal/licensing"
	"pfw.app/cloud/models"
)

type CreatePaymentRequest struct {
	Plan           string          `json:"plan" validate:"required,oneof=annual lifetime"`
	Name           string          `json:"name" validate:"required"`
	Email          string          `json:"email" validate:"required,email"`
	Phone          string          `json:"phone,omitempty"`
	BillingAddress *models.Address `json:"billingAddress,omitempty"`
}

func (req CreatePaymentRequest) customer() models.Customer {
	return models.Customer{
		Name:           req.Name,
		Email:          req.Email,
		Phone:          req.Phone,
		BillingAddress: req.BillingAddress,
	}
}

// CreatePaymentResponse carries what a client needs to confirm the payment.
// Exactly one of PaymentIntentID and SubscriptionID is set.
type CreatePaymentResponse struct {
	OK              bool   `json:"ok"`
	Plan            string `json:"plan"`
	ClientSecret    string `json:"clientSecret"`
	CustomerID      string `json:"customerId"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	SubscriptionID  string `json:"subscriptionId,omitempty"`
}

type IssueLicenseRequest struct {
	Plan            string `json:"plan" validate:"required,oneof=annual lifetime"`
	PaymentIntentID string `json:"paymentIntentId" validate:"required_if=Plan lifetime"`
	SubscriptionID  string `json:"subscriptionId" validate:"required_if=Plan annual"`
}

type LicenseMeta struct {
	models.LicensePayload
	models.Metadata
}

type IssueLicenseResponse struct {
	OK          bool        `json:"ok"`
	FullToken   string      `json:"fullToken"`
	LicenseKey  string      `json:"licenseKey"`
	LicenseMeta LicenseMeta `json:"licenseMeta"`
}

func (s *Server) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.Service.CreatePayment(r.Context(), licensing.PaymentRequest{
		Plan:     req.Plan,
		Customer: req.customer(),
	})
	if err != nil {
		writeServiceError(w, r, err, "payment not found")
		return
	}

	resp := CreatePaymentResponse{
		OK:           true,
		Plan:         result.Plan.PurchaseName(),
		ClientSecret: result.Checkout.ClientSecret,
		CustomerID:   result.Checkout.CustomerID,
	}
	if result.Plan == models.PlanLifetime {
		resp.PaymentIntentID = result.Checkout.ID
	} else {
		resp.SubscriptionID = result.Checkout.ID
	}
	render.JSON(w, r, resp)
}

// IssueLicense exchanges a settled payment for its license. Asking twice
// for the same payment returns the same license.
func (s *Server) IssueLicense(w http.ResponseWriter, r *http.Request) {
	var req IssueLicenseRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec, err := s.Service.IssueFromPayment(r.Context(), licensing.IssueRequest{
		Plan:            req.Plan,
		PaymentIntentID: req.PaymentIntentID,
		SubscriptionID:  req.SubscriptionID,
	})
	if err != nil {
		writeServiceError(w, r, err, "payment not verified")
		return
	}

	render.JSON(w, r, IssueLicenseResponse{
		OK:         true,
		FullToken:  rec.FullToken,
		LicenseKey: rec.Key,
		LicenseMeta: LicenseMeta{
			LicensePayload: rec.License,
			Metadata:       rec.Metadata,
		},
	})
}
