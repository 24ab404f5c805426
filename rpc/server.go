package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ineyio/gemledger"
)

const maxBodyBytes = 64 << 10

// Backend is the store the server exposes.
type Backend interface {
	gemledger.BalanceStore
	gemledger.CostSource
	gemledger.StatusStore
	gemledger.AdminStore
}

// Server serves a Backend over the gem RPC protocol.
type Server struct {
	backend  Backend
	secret   string
	adminKey *secp256k1.PublicKey
	logger   zerolog.Logger
	now      func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAdminKey enables admin functions for requests signed by key.
func WithAdminKey(key *secp256k1.PublicKey) ServerOption {
	return func(s *Server) { s.adminKey = key }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerClock sets the clock used to check admin timestamps.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer creates a Server. jwtSecret verifies caller tokens.
func NewServer(backend Backend, jwtSecret string, opts ...ServerOption) (*Server, error) {
	if backend == nil {
		return nil, errors.New("rpc: backend is required")
	}
	if jwtSecret == "" {
		return nil, errors.New("rpc: jwt secret is required")
	}
	s := &Server{
		backend: backend,
		secret:  jwtSecret,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		s.logRequests,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/rpc", func(r chi.Router) {
		r.Use(authenticate(s.secret))

		r.Post("/"+FnGetUserGems, s.getUserGems)
		r.Post("/"+FnDeductGems, s.deductGems)
		r.Post("/"+FnAddGems, s.addGems)
		r.Post("/"+FnGetFeatureCosts, s.getFeatureCosts)
		r.Post("/"+FnIsUserBlocked, s.isUserBlocked)
		r.Post("/"+FnIsAdmin, s.isAdmin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/"+FnAdminSetSubscription, s.adminSetSubscription)
			r.Post("/"+FnAdminSetBlocked, s.adminSetBlocked)
			r.Post("/"+FnAdminSetFeatureCost, s.adminSetFeatureCost)
			r.Post("/"+FnAdminAddGems, s.adminAddGems)
		})
	})

	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("rpc server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.now()
		next.ServeHTTP(ww, r)

		ev := s.logger.Info()
		if ww.Status() >= 500 {
			ev = s.logger.Error()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", s.now().Sub(start)).
			Msg("rpc request")
	})
}

// requireAdmin verifies the admin signature over the raw body and that the
// caller is a service or an admin user.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == nil {
			writeError(w, http.StatusForbidden, codeForbidden, "admin functions are disabled")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		r.Body.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "read body")
			return
		}

		sig := r.Header.Get(HeaderAdminSignature)
		ts := r.Header.Get(HeaderAdminTimestamp)
		if err := verifyAdmin(s.adminKey, body, ts, sig, s.now()); err != nil {
			s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected admin call")
			writeError(w, http.StatusForbidden, codeForbidden, "invalid admin signature")
			return
		}

		claims, _ := ClaimsFromContext(r.Context())
		if claims.Role != RoleService {
			admin, err := s.backend.IsAdmin(r.Context(), claims.Subject)
			if err != nil {
				s.internalError(w, r, err)
				return
			}
			if !admin {
				writeError(w, http.StatusForbidden, codeForbidden, "caller is not an admin")
				return
			}
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// decode reads params and checks that the caller may act on p_user_id.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, needUser bool) (params, bool) {
	var p params
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid json body")
		return p, false
	}
	if !needUser {
		return p, true
	}
	if p.UserID == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "p_user_id is required")
		return p, false
	}
	claims, _ := ClaimsFromContext(r.Context())
	if !claims.mayActOn(p.UserID) {
		writeError(w, http.StatusForbidden, codeForbidden, "token may not act on this user")
		return p, false
	}
	return p, true
}

func (s *Server) getUserGems(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decode(w, r, true)
	if !ok {
		return
	}
	acct, err := s.backend.ReadBalance(r.Context(), p.UserID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) deductGems(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decode(w, r, true)
	if !ok {
		return
	}
	balance, err := s.backend.Deduct(r.Context(), p.UserID, p.Amount)
	if errors.Is(err, gemledger.ErrInsufficientFunds) {
		writeJSON(w, http.StatusOK, gemledger.InsufficientSentinel)
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// addGems lets a user token return its own gems after a failed generation.
// Any other credit needs a service token or admin_add_gems.
func (s *Server) addGems(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decode(w, r, true)
	if !ok {
		return
	}
	if claims, _ := ClaimsFromContext(r.Context()); claims.Role != RoleService && !isRefundReason(p.Reason) {
		writeError(w, http.StatusForbidden, codeForbidden, "user tokens may only credit refunds")
		return
	}
	s.credit(w, r, p)
}

func isRefundReason(reason string) bool {
	return strings.HasPrefix(reason, gemledger.ReasonRefund) || strings.HasPrefix(reason, gemledger.ReasonReconcile)
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request, p params) {
	balance, err := s.backend.Credit(r.Context(), p.UserID, p.Amount, p.Reason)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) getFeatureCosts(w http.ResponseWriter, r *http.Request) {
	costs, err := s.backend.FeatureCosts(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if costs == nil {
		costs = []gemledger.FeatureCost{}
	}
	writeJSON(w, http.StatusOK, costs)
}

func (s *Server) isUserBlocked(w http.ResponseWriter, r *http.Request) {
	s.flag(w, r, s.backend.IsBlocked)
}

func (s *Server) isAdmin(w http.ResponseWriter, r *http.Request) {
	s.flag(w, r, s.backend.IsAdmin)
}

func (s *Server) flag(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (bool, error)) {
	p, ok := s.decode(w, r, true)
	if !ok {
		return
	}
	v, err := fn(r.Context(), p.UserID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) adminSetSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeAdmin(w, r)
	if !ok {
		return
	}
	if err := s.backend.SetSubscription(r.Context(), p.UserID, p.Plan, p.ExpiresAt); err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (s *Server) adminSetBlocked(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeAdmin(w, r)
	if !ok {
		return
	}
	if err := s.backend.SetBlocked(r.Context(), p.UserID, p.Blocked); err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (s *Server) adminSetFeatureCost(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decode(w, r, false)
	if !ok {
		return
	}
	if p.FeatureKey == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "p_feature_key is required")
		return
	}
	if err := s.backend.SetFeatureCost(r.Context(), p.FeatureKey, p.Cost); err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (s *Server) adminAddGems(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeAdmin(w, r)
	if !ok {
		return
	}
	if p.Reason == "" {
		p.Reason = "admin_topup"
	}
	s.credit(w, r, p)
}

// decodeAdmin decodes params of an admin call on any user.
func (s *Server) decodeAdmin(w http.ResponseWriter, r *http.Request) (params, bool) {
	p, ok := s.decode(w, r, false)
	if ok && p.UserID == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "p_user_id is required")
		return p, false
	}
	return p, ok
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gemledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, codeInvalidAmount, err.Error())
	case errors.Is(err, gemledger.ErrUnknownUser):
		writeError(w, http.StatusNotFound, codeUnknownUser, err.Error())
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg("backend call failed")
	writeError(w, http.StatusInternalServerError, codeInternal, "backend unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
