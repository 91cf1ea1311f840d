package handlers

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"pfw.app/cloud/internal/licensing"
	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/internal/metrics"
	"pfw.app/cloud/internal/payments"
	"pfw.app/cloud/internal/ratelimit"
)

// MaxBodyBytes caps every request body, webhooks included.
const MaxBodyBytes = int64(65536)

type Server struct {
	Router   chi.Router
	Service  *licensing.Service
	Webhooks *payments.WebhookParser
	Metrics  *metrics.Registry

	version  string
	validate *validator.Validate
}

type Options struct {
	Version     string
	CORSOrigins []string
	// RateLimiter guards trial and payment creation. Nil disables limiting.
	RateLimiter ratelimit.RateLimit
	Metrics     *metrics.Registry
	// TrustProxy rewrites RemoteAddr from X-Forwarded-For and X-Real-IP.
	// Without it those headers are ignored and cannot dodge the rate limit.
	TrustProxy bool
}

func NewHttpServer(svc *licensing.Service, webhooks *payments.WebhookParser, opts Options) *Server {
	s := &Server{
		Router:   chi.NewRouter(),
		Service:  svc,
		Webhooks: webhooks,
		Metrics:  opts.Metrics,
		version:  opts.Version,
		validate: newValidator(),
	}
	if s.version == "" {
		s.version = "dev"
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.Router
	r.Use(middleware.RequestID)
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Stripe-Signature"},
		MaxAge:         300,
	}))

	limited := func(next http.Handler) http.Handler { return next }
	if opts.RateLimiter != nil {
		limited = ratelimit.Middleware(opts.RateLimiter, s.Metrics.RecordRateLimited)
	}

	r.Get("/health", s.Health)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/trial", func(r chi.Router) {
			r.With(limited).Post("/start", s.StartTrial)
			r.Get("/status", s.TrialStatus)
		})

		r.Route("/license", func(r chi.Router) {
			r.Post("/verify", s.VerifyLicense)
			r.Post("/redeem", s.RedeemLicense)
		})

		r.Route("/payments", func(r chi.Router) {
			r.With(limited).Post("/create", s.CreatePayment)
			r.Post("/license", s.IssueLicense)
			r.Post("/webhook", s.StripeWebhook)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	})
}

type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{OK: false, Error: message})
}

// Client-facing messages for token and lookup failures. Expired, forged
// and unknown credentials all read the same.
const (
	msgInvalidLicense = "invalid or expired license"
	msgInvalidTrial   = "invalid or expired trial token"
)

// writeServiceError maps licensing errors to a status and message.
// invalidMsg is used for every token or lookup failure.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, invalidMsg string) {
	switch {
	case licensing.IsTokenError(err), errors.Is(err, licensing.ErrNotFound):
		writeErrorResponse(w, r, http.StatusBadRequest, invalidMsg)
	case errors.Is(err, licensing.ErrValidation):
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, licensing.ErrPaymentNotVerified):
		writeErrorResponse(w, r, http.StatusBadRequest, "payment not verified")
	case errors.Is(err, licensing.ErrUpstream):
		logger.Error("Payment provider request failed", map[string]interface{}{
			"error":      err.Error(),
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		})
		writeErrorResponse(w, r, http.StatusInternalServerError, "payment provider unavailable")
	default:
		logger.Error("Request failed", map[string]interface{}{
			"error":      err.Error(),
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		})
		writeErrorResponse(w, r, http.StatusInternalServerError, "internal server error")
	}
}

// decode reads a JSON body into v and validates it. On failure the error
// response has already been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, formatValidationError(err))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// formatValidationError reports the first failed field.
func formatValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return "invalid request"
	}

	e := validationErrs[0]
	switch e.Tag() {
	case "required", "required_if":
		return e.Field() + " is required"
	case "email":
		return e.Field() + " must be a valid email address"
	case "oneof":
		return e.Field() + " must be one of: " + strings.ReplaceAll(e.Param(), " ", ", ")
	default:
		return e.Field() + " is invalid"
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logger.Info("Request handled", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
