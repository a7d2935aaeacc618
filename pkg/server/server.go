package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
)

const authTokenCookie = "auth_token"

type contextKey string

const userContextKey contextKey = "user"

// tokenVerifier validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Controller is the part of the control loop the API drives.
type Controller interface {
	Status() types.LoopStatus
	Tick(ctx context.Context) types.LoopStatus
	Command(ctx context.Context, direction types.ChargeDirection) (types.CommandLog, error)
}

// PriceService answers price questions for the API.
type PriceService interface {
	LivePrices(ctx context.Context) types.LivePrices
	ForecastPrices(ctx context.Context, settings types.Settings, hours int) []types.PriceQuote
}

// Server is the operator API. It reads and changes settings, shows what the
// control loop is doing and lets the operator start or stop a charge by hand.
type Server struct {
	storage storage.Database
	loop    Controller
	prices  PriceService

	listenAddr string
	httpServer *http.Server

	adminEmails  []string
	oidcVerifier tokenVerifier
	bypassAuth   bool
	serverName   string

	responseWait time.Duration
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, loop Controller, prices PriceService) *Server {
	srv := NewServer(db, loop, prices)

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to change settings and send commands")
	oidcAudience := lflag.String("oidc-audience", "", "Google ID token audience to validate, empty disables API auth")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.adminEmails = splitEmails(*adminEmails)
		srv.bypassAuth = *oidcAudience == ""
		if srv.bypassAuth {
			return
		}
		if len(srv.adminEmails) == 0 {
			panic("admin-emails is required when oidc-audience is set")
		}
		provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
		if err != nil {
			log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
			os.Exit(1)
		}
		srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
	})

	return srv
}

// NewServer returns a Server with auth disabled. Configured enables it from
// flags.
func NewServer(db storage.Database, loop Controller, prices PriceService) *Server {
	srv := &Server{
		storage:    db,
		loop:       loop,
		prices:     prices,
		listenAddr: ":8080",
		bypassAuth: true,
		serverName: "chargerudder",

		responseWait: defaultResponseWait,
	}
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}
	return srv
}

func splitEmails(s string) []string {
	if s == "" {
		return nil
	}
	var emails []string
	for _, email := range strings.Split(s, ",") {
		if email = strings.TrimSpace(email); email != "" {
			emails = append(emails, email)
		}
	}
	return emails
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/prices/live", s.handleLivePrices)
	apiMux.HandleFunc("GET /api/prices/forecast", s.handleForecastPrices)
	apiMux.HandleFunc("GET /api/prices/history", s.handleHistoryPrices)
	apiMux.HandleFunc("POST /api/charging/start", s.handleCharging(types.ChargeDirectionStart))
	apiMux.HandleFunc("POST /api/charging/stop", s.handleCharging(types.ChargeDirectionStop))
	apiMux.HandleFunc("POST /api/tick", s.handleTick)
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// user is the operator making a request.
type user struct {
	Email   string
	Subject string
	Admin   bool
}

func getUser(r *http.Request) user {
	if u, ok := r.Context().Value(userContextKey).(user); ok {
		return u
	}
	return user{}
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.setupHandler(),
		// longer than responseWait so pending answers still get written
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr), slog.Bool("bypassAuth", s.bypassAuth))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONCode(w, http.StatusOK, v)
}

func writeJSONCode(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

// isAdmin returns true if the email is in the adminEmails list.
func (s *Server) isAdmin(email string) bool {
	for _, adminEmail := range s.adminEmails {
		if strings.EqualFold(email, adminEmail) {
			return true
		}
	}
	return false
}
