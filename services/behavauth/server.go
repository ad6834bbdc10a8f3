package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"behavtrust/pkg/auth"
	"behavtrust/pkg/biometrics"
	"behavtrust/pkg/engine"
	"behavtrust/pkg/metrics"
	"behavtrust/pkg/ml"
	"behavtrust/pkg/notify"
	otelobs "behavtrust/pkg/observability/otel"
	"behavtrust/pkg/otp"
	"behavtrust/pkg/policy"
	"behavtrust/pkg/ratelimit"
	"behavtrust/pkg/structlog"
	"behavtrust/pkg/validation"
)

const serviceName = "behavauth"

// Server exposes the engine over HTTP.
type Server struct {
	engine  *engine.Engine
	users   auth.UserStore
	modes   biometrics.SampleStore
	jwt     *auth.JWTManager
	otp     *otp.Service
	otpTTL  time.Duration
	mailer  notify.Sender
	threats *policy.ThreatPolicy
	limiter ratelimit.Limiter
	log     *structlog.Logger
	metrics *metrics.Metrics

	gatherer       prometheus.Gatherer
	httpMetrics    *metrics.HTTPMetrics
	allowedOrigins []string
	ready          func(context.Context) error
}

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(s.gatherer)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/login", s.limited("/api/login", s.handleLogin)).Methods(http.MethodPost)
	api.Handle("/verify_otp", s.limited("/api/verify_otp", s.handleVerifyOTP)).Methods(http.MethodPost)
	api.HandleFunc("/approve-ip", s.handleApproveIP).Methods(http.MethodPost)
	api.Handle("/token", s.limited("/api/token", s.handleToken)).Methods(http.MethodPost)
	api.HandleFunc("/token/refresh", s.handleRefresh).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(auth.NewAuthMiddleware(s.jwt).Authenticate)
	protected.HandleFunc("/authenticate", s.handleAuthenticate).Methods(http.MethodPost)
	protected.HandleFunc("/mode", s.handleGetMode).Methods(http.MethodGet)
	protected.HandleFunc("/mode", s.handleSetMode).Methods(http.MethodPost)
	protected.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	h := s.httpMetrics.Instrument(r)
	h = otelobs.HTTPTraceLogMiddleware(s.log, h)
	h = cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Correlation-ID", "Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	})(h)
	return otelobs.WrapHTTPHandler(serviceName, h)
}

// limited caps attempts per client IP on routes that check secrets.
func (s *Server) limited(route string, h http.HandlerFunc) http.Handler {
	return ratelimit.Middleware(s.limiter, route, clientIP, s.log, s.metrics)(h)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	email := auth.NormalizeEmail(req.Email)
	ip := clientIP(r)
	log := s.log.WithContext(ctx).WithFields(structlog.Fields{"email": email, "ip": ip})

	// Threat lookups fail open; only an explicit deny blocks the login.
	if v, err := s.threats.Check(ctx, ip); err != nil {
		log.Warn("threat check failed", structlog.Fields{"error": err})
	} else if v.Deny {
		log.SecurityEvent("threat_ip_denied", structlog.Fields{"reason": v.Reason})
		writeError(w, http.StatusForbidden, "Access denied from this IP")
		return
	}

	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing credentials")
		return
	}
	if !s.checkPassword(ctx, email, req.Password) {
		log.Warn("invalid credentials", nil)
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	code, err := s.otp.Issue(ctx, email)
	if err == nil {
		err = s.mailer.Send(ctx, email, notify.KindLoginCode, notify.Payload{Code: code, ExpiresAt: time.Now().Add(s.otpTTL)})
	}
	if err != nil {
		log.Error("send otp", structlog.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	log.Info("otp sent", nil)
	writeJSON(w, http.StatusOK, map[string]string{"message": "OTP sent"})
}

func (s *Server) checkPassword(ctx context.Context, email, password string) bool {
	u, err := s.users.GetUser(ctx, email)
	if err != nil {
		if !errors.Is(err, auth.ErrUserNotFound) {
			s.log.WithContext(ctx).Error("load user", structlog.Fields{"error": err})
		}
		return false
	}
	return auth.VerifyPassword(u.PasswordHash, password) == nil
}

type verifyResponse struct {
	Verified bool `json:"verified"`
	*auth.TokenPair
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if !decode(w, r, &req) {
		return
	}
	email := auth.NormalizeEmail(req.Email)
	if email == "" || req.OTP == "" {
		writeError(w, http.StatusBadRequest, "Missing details")
		return
	}
	log := s.log.WithContext(ctx).WithFields(structlog.Fields{"email": email})

	err := s.otp.Verify(ctx, email, strings.TrimSpace(req.OTP))
	if errors.Is(err, otp.ErrInvalidCode) {
		log.Warn("otp rejected", nil)
		writeJSON(w, http.StatusOK, verifyResponse{Verified: false})
		return
	}
	if err != nil {
		log.Error("verify otp", structlog.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "OTP verification failed")
		return
	}

	if err := s.engine.RegisterIPSuccess(ctx, email, clientIP(r)); err != nil {
		log.Error("register ip success", structlog.Fields{"error": err})
	}
	pair, err := s.jwt.GenerateTokenPair(email)
	if err != nil {
		log.Error("issue tokens", structlog.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "OTP verification failed")
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Verified: true, TokenPair: pair})
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.GetClaimsFromContext(ctx)
	var req struct {
		Email   string         `json:"email"`
		Metrics map[string]any `json:"metrics"`
	}
	if !decode(w, r, &req) {
		return
	}
	owner := claims.Email
	if req.Email != "" && auth.NormalizeEmail(req.Email) != owner {
		writeError(w, http.StatusForbidden, "Token does not match user")
		return
	}
	if _, err := s.users.GetUser(ctx, owner); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		s.log.WithContext(ctx).Error("load user", structlog.Fields{"error": err})
		writeJSON(w, http.StatusInternalServerError, map[string]any{"authenticated": false, "confidence": 0})
		return
	}

	m, err := ml.ParseMetrics(req.Metrics)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.Authenticate(ctx, owner, clientIP(r), m)
	if err != nil {
		var invalid *ml.InvalidMetricError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.WithContext(ctx).Error("authenticate", structlog.Fields{"owner": owner, "error": err})
		writeJSON(w, http.StatusInternalServerError, map[string]any{"authenticated": false, "confidence": 0})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApproveIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "Missing token")
		return
	}
	out := s.engine.ConfirmIPToken(r.Context(), req.Token)
	status := http.StatusOK
	switch out.Kind {
	case engine.ConfirmKindNotFound:
		status = http.StatusNotFound
	case engine.ConfirmKindExpired:
		status = http.StatusGone
	case engine.ConfirmKindInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out)
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	owner := auth.GetClaimsFromContext(r.Context()).Email
	mode, err := s.modes.Mode(r.Context(), owner)
	if err != nil {
		s.log.WithContext(r.Context()).Error("load mode", structlog.Fields{"owner": owner, "error": err})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := auth.GetClaimsFromContext(ctx).Email
	var req struct {
		Mode string `json:"mode"`
	}
	if !decode(w, r, &req) {
		return
	}
	mode, err := biometrics.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mode")
		return
	}
	if err := s.modes.SetMode(ctx, owner, mode); err != nil {
		s.log.WithContext(ctx).Error("set mode", structlog.Fields{"owner": owner, "error": err})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.log.WithContext(ctx).AuditLog("mode_changed", structlog.Fields{"owner": owner, "mode": string(mode)})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Mode set to " + string(mode)})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	email := auth.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing credentials")
		return
	}
	if !s.checkPassword(r.Context(), email, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	pair, err := s.jwt.GenerateTokenPair(email)
	if err != nil {
		s.log.WithContext(r.Context()).Error("issue tokens", structlog.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing refresh token")
		return
	}
	pair, err := s.jwt.Refresh(r.Context(), token)
	switch {
	case errors.Is(err, auth.ErrTokenRevoked):
		s.log.WithContext(r.Context()).SecurityEvent("refresh_token_reused", structlog.Fields{"ip": clientIP(r)})
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	case isTokenError(err):
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	case err != nil:
		s.log.WithContext(r.Context()).Error("refresh tokens", structlog.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the presented access token and, when supplied, the
// caller's refresh token.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.GetClaimsFromContext(ctx)
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	revoke := []*auth.Claims{claims}
	if req.RefreshToken != "" {
		rc, err := s.jwt.ValidateToken(ctx, req.RefreshToken, auth.TokenTypeRefresh)
		if err != nil && !errors.Is(err, auth.ErrTokenRevoked) {
			writeError(w, http.StatusBadRequest, "Invalid refresh token")
			return
		}
		if rc != nil {
			if rc.Email != claims.Email {
				writeError(w, http.StatusForbidden, "Token does not belong to caller")
				return
			}
			revoke = append(revoke, rc)
		}
	}
	for _, c := range revoke {
		if err := s.jwt.RevokeToken(ctx, c); err != nil {
			s.log.WithContext(ctx).Error("revoke token", structlog.Fields{"owner": claims.Email, "error": err})
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
	}
	s.log.WithContext(ctx).AuditLog("logout", structlog.Fields{"owner": claims.Email})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func isTokenError(err error) bool {
	for _, target := range []error{auth.ErrInvalidToken, auth.ErrExpiredToken, auth.ErrInvalidClaims, auth.ErrWrongTokenType} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": serviceName, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

// clientIP prefers the first X-Forwarded-For hop, as the service runs
// behind a proxy. A hop that is not an IP literal is ignored.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); validation.ValidateIPAddress(ip) == nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
