package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		allowNoLogin := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/status" || r.URL.Path == "/api/auth/logout"

		if s.bypassAuth {
			ctx = context.WithValue(ctx, userContextKey, user{Admin: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		// a bearer header wins over the cookie
		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
				writeJSONError(w, "invalid auth header", http.StatusBadRequest)
				return
			}
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			authCookie, err := r.Cookie(authTokenCookie)
			if err != nil && !errors.Is(err, http.ErrNoCookie) {
				log.Ctx(ctx).ErrorContext(ctx, "failed to get auth cookie", slog.Any("error", err))
				writeJSONError(w, "missing auth cookie", http.StatusBadRequest)
				return
			}
			if authCookie != nil {
				token = authCookie.Value
			}
		}

		if token == "" {
			if allowNoLogin {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		email, subject, _, err := s.authenticateToken(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
			if allowNoLogin {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			s.clearCookie(w)
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}

		u := user{
			Email:   email,
			Subject: subject,
			Admin:   s.isAdmin(email),
		}
		// only admins may change anything
		if r.Method != http.MethodGet && !u.Admin && !allowNoLogin {
			log.Ctx(ctx).WarnContext(ctx, "non-admin attempted a change", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
		log.Ctx(ctx).DebugContext(ctx, "authenticated request", slog.Bool("admin", u.Admin))

		ctx = context.WithValue(ctx, userContextKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if s.bypassAuth {
		writeJSONError(w, "auth is disabled", http.StatusBadRequest)
		return
	}

	email, subject, expires, err := s.authenticateToken(r.Context(), req.Token)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}

	if email == "" {
		log.Ctx(r.Context()).WarnContext(r.Context(), "invalid email in id token")
		writeJSONError(w, "invalid oidc claims", http.StatusUnauthorized)
		return
	}

	log.Ctx(r.Context()).InfoContext(r.Context(), "login token validated successfully", slog.String("email", email), slog.String("subject", subject))

	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool   `json:"loggedIn"`
	Email        string `json:"email"`
	Admin        bool   `json:"admin"`
	AuthRequired bool   `json:"authRequired"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	u := getUser(r)
	writeJSON(w, authStatusResponse{
		LoggedIn:     u.Email != "" || s.bypassAuth,
		Email:        u.Email,
		Admin:        u.Admin,
		AuthRequired: !s.bypassAuth,
	})
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, string, time.Time, error) {
	if s.oidcVerifier == nil {
		return "", "", time.Time{}, errors.New("no audience configured")
	}
	idToken, err := s.oidcVerifier(ctx, token)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("verifier failed: %w", err)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Email != "" && !claims.EmailVerified {
		return "", "", time.Time{}, errors.New("email is not verified")
	}
	return claims.Email, idToken.Subject, idToken.Expiry, nil
}
