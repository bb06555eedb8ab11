// Package httpapi exposes the gateway over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ronitervo/creditledger"
	"github.com/ronitervo/creditledger/attest"
	"github.com/ronitervo/creditledger/auth"
)

const (
	maxBodyBytes      = 4 << 20
	attestationHeader = "X-Attestation-Token"
)

type ctxKey struct{}

// Server is the HTTP API server.
type Server struct {
	gateway            *creditledger.Gateway
	auth               *auth.Authenticator
	attest             *attest.Verifier
	requireAttestation bool
	gatherer           prometheus.Gatherer
	requestTimeout     time.Duration
	logger             *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAttestation verifies X-Attestation-Token on the stream endpoint. With
// required set, requests without the header are rejected.
func WithAttestation(v *attest.Verifier, required bool) Option {
	return func(s *Server) {
		s.attest = v
		s.requireAttestation = required
	}
}

// WithMetrics mounts /metrics serving g.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithRequestTimeout bounds non-streaming requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new API server.
func NewServer(gateway *creditledger.Gateway, authn *auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		gateway:        gateway,
		auth:           authn,
		requestTimeout: 5 * time.Minute,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		// The stream is bounded by the generator, not the request timeout.
		r.Post("/generate/stream", s.handleStreamGenerate)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))
			r.Post("/estimate", s.handleEstimate)
			r.Post("/generate", s.handleGenerate)
			r.Get("/balance", s.handleBalance)
			r.Post("/purchases/verify", s.handleVerifyPurchase)
			r.Delete("/account", s.handleDeleteAccount)
		})
	})

	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, creditledger.ErrUnauthenticated, "missing bearer token")
			return
		}
		uid, err := s.auth.Verify(token)
		if err != nil {
			writeError(w, creditledger.ErrUnauthenticated, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid)))
	})
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxKey{}).(string)
	return uid
}

type estimateRequest struct {
	Action  string               `json:"action"`
	Payload creditledger.Payload `json:"payload"`
}

type generateRequest struct {
	Action    string               `json:"action"`
	SessionID string               `json:"sessionId"`
	Payload   creditledger.Payload `json:"payload"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

type purchaseRequest struct {
	PurchaseToken string `json:"purchaseToken"`
	ProductID     string `json:"productId"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if !decode(w, r, &req) {
		return
	}
	est, err := s.gateway.Estimate(r.Context(), creditledger.Action(req.Action), req.Payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.gateway.Generate(r.Context(), userID(r), creditledger.Action(req.Action), req.SessionID, req.Payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.gateway.Balance(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleVerifyPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.gateway.VerifyAndCreditPurchase(r.Context(), userID(r), req.PurchaseToken, req.ProductID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.DeleteAccount(r.Context(), userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: true})
}

func (s *Server) checkAttestation(r *http.Request) error {
	token := r.Header.Get(attestationHeader)
	if token == "" {
		if s.requireAttestation {
			return errors.New("missing attestation token")
		}
		return nil
	}
	if s.attest == nil {
		return nil
	}
	_, err := s.attest.Verify(token, userID(r))
	return err
}

// fail writes err as a JSON error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := creditledger.CodeOf(err)
	if errors.Is(code, creditledger.ErrInternal) {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"uid", userID(r),
			"error", err,
		)
	}
	writeError(w, code, creditledger.MessageOf(err))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, creditledger.ErrInvalidArgument, "invalid request body")
		return false
	}
	return true
}

// statusFor maps an error category to its HTTP status.
func statusFor(code error) int {
	switch {
	case errors.Is(code, creditledger.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(code, creditledger.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(code, creditledger.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(code, creditledger.ErrFailedPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(code, creditledger.ErrResourceExhausted):
		return http.StatusPaymentRequired
	case errors.Is(code, creditledger.ErrAborted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error creditledger.StreamErrorInfo `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code error, msg string) {
	writeJSON(w, statusFor(code), errorBody{Error: creditledger.StreamErrorInfo{
		Code:    creditledger.CodeName(code),
		Message: msg,
	}})
}
