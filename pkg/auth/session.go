// Package auth keeps the vehicle account session alive. It reuses a stored
// token when the service still accepts it and otherwise logs in with
// credentials, solving captchas through a captcha.Resolver.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/looplab/fsm"
	"github.com/raterudder/chargerudder/pkg/captcha"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/vehicle"
)

const (
	maxAttempts  = 3
	attemptDelay = 2 * time.Second
)

// SessionStore persists the session token between restarts.
type SessionStore interface {
	SaveSession(ctx context.Context, token types.SessionToken) error
	// LoadSession returns a nil token when none was saved.
	LoadSession(ctx context.Context) (types.SessionToken, error)
}

// Session is the single authenticated session with the vehicle account.
type Session struct {
	client   vehicle.Client
	resolver captcha.Resolver
	store    SessionStore
	creds    vehicle.Credentials
	sleep    func(ctx context.Context, d time.Duration) error

	machine *fsm.FSM

	// loginMu serializes logins, mu guards vehicle
	loginMu sync.Mutex
	mu      sync.RWMutex
	vehicle *vehicle.Vehicle
}

// Configured returns a Session whose credentials come from flags.
func Configured(client vehicle.Client, resolver captcha.Resolver, store SessionStore) *Session {
	s := NewSession(client, resolver, store, vehicle.Credentials{})
	username := lflag.String("vehicle-username", "", "Username (email) of the vehicle account")
	password := lflag.String("vehicle-password", "", "Password of the vehicle account")

	lflag.Do(func() {
		s.creds.Username = *username
		s.creds.Password = *password
	})
	return s
}

// NewSession returns an unauthenticated Session.
func NewSession(client vehicle.Client, resolver captcha.Resolver, store SessionStore, creds vehicle.Credentials) *Session {
	if resolver == nil {
		resolver = captcha.None{}
	}
	return &Session{
		client:   client,
		resolver: resolver,
		store:    store,
		creds:    creds,
		sleep:    sleepCtx,
		machine:  newMachine(),
	}
}

// State returns the current session state.
func (s *Session) State() string {
	return s.machine.Current()
}

// Vehicle returns the selected vehicle while the session is authenticated.
func (s *Session) Vehicle() (vehicle.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vehicle == nil {
		return vehicle.Vehicle{}, false
	}
	return *s.vehicle, true
}

// EnsureAuthenticated returns true once the session is authenticated. A
// stored token is tried first and discarded if the service rejects it.
func (s *Session) EnsureAuthenticated(ctx context.Context) bool {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	if s.machine.Current() == StateAuthenticated {
		return true
	}
	s.resetLocked(ctx)

	if s.tryStoredToken(ctx) {
		return true
	}
	return s.authenticateLocked(ctx)
}

// Authenticate logs in with credentials, ignoring any stored token.
func (s *Session) Authenticate(ctx context.Context) bool {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	s.resetLocked(ctx)
	return s.authenticateLocked(ctx)
}

// Invalidate marks the session as no longer valid after the service rejected
// it. The stored token is left in place and is verified again on the next
// login.
func (s *Session) Invalidate(ctx context.Context) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	if s.machine.Current() != StateAuthenticated {
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "invalidating vehicle session")
	s.setVehicle(nil)
	s.transition(ctx, eventInvalidate)
}

func (s *Session) resetLocked(ctx context.Context) {
	switch s.machine.Current() {
	case StateFailed:
		s.transition(ctx, eventReset)
	case StateAuthenticated:
		s.setVehicle(nil)
		s.transition(ctx, eventInvalidate)
	}
}

func (s *Session) tryStoredToken(ctx context.Context) bool {
	if s.store == nil {
		return false
	}
	token, err := s.store.LoadSession(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load stored session", slog.Any("error", err))
		return false
	}
	if len(token) == 0 {
		return false
	}

	s.transition(ctx, eventVerifyToken)
	v, err := s.verifyToken(ctx, token)
	if err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"stored session token rejected, logging in with credentials",
			slog.Any("error", err),
		)
		s.transition(ctx, eventTokenRejected)
		return false
	}

	s.setVehicle(&v)
	s.transition(ctx, eventSucceed)
	metrics.AuthAttemptsTotal.WithLabelValues("token").Inc()
	log.Ctx(ctx).InfoContext(ctx, "restored vehicle session from stored token", slog.String("vin", v.VIN))
	return true
}

func (s *Session) verifyToken(ctx context.Context, token types.SessionToken) (vehicle.Vehicle, error) {
	account, err := s.client.AuthenticateWithToken(ctx, token)
	if err != nil {
		return vehicle.Vehicle{}, err
	}
	return s.firstVehicle(ctx, account)
}

var errNoVehicles = errors.New("account has no vehicles")

func (s *Session) firstVehicle(ctx context.Context, account vehicle.Account) (vehicle.Vehicle, error) {
	vehicles, err := s.client.ListVehicles(ctx, account)
	if err != nil {
		return vehicle.Vehicle{}, fmt.Errorf("failed to list vehicles: %w", err)
	}
	if len(vehicles) == 0 {
		return vehicle.Vehicle{}, errNoVehicles
	}
	v := vehicles[0]
	v.Account = account
	return v, nil
}

func (s *Session) authenticateLocked(ctx context.Context) bool {
	l := log.Ctx(ctx).With(slog.String("username", s.creds.Username))
	if s.creds.Username == "" || s.creds.Password == "" {
		l.ErrorContext(ctx, "vehicle account credentials are not configured")
		return s.fail(ctx)
	}

	creds := s.creds
	var attempts, captchaRounds int
	for attempts < maxAttempts {
		account, err := s.client.AuthenticateWithCredentials(ctx, creds)
		if err == nil {
			var v vehicle.Vehicle
			v, err = s.firstVehicle(ctx, account)
			if err == nil {
				return s.succeed(ctx, account, v)
			}
			if errors.Is(err, errNoVehicles) {
				l.ErrorContext(ctx, "vehicle account has no vehicles")
				return s.fail(ctx)
			}
		}

		if challenge, ok := vehicle.IsCaptchaRequired(err); ok {
			captchaRounds++
			metrics.AuthAttemptsTotal.WithLabelValues("captcha").Inc()
			if captchaRounds > maxAttempts {
				l.ErrorContext(ctx, "too many captcha rounds", slog.Int("rounds", captchaRounds))
				return s.fail(ctx)
			}
			s.transition(ctx, eventCaptcha)
			l.InfoContext(ctx, "login requires captcha", slog.String("mimeType", challenge.MIMEType))
			solution, serr := s.resolver.Solve(ctx, challenge)
			if serr != nil || solution == "" {
				l.ErrorContext(ctx, "captcha could not be solved", slog.Any("error", serr))
				return s.fail(ctx)
			}
			creds.CaptchaSolution = solution
			creds.CaptchaState = challenge.State
			continue
		}

		if errors.Is(err, vehicle.ErrWrongCredentials) {
			metrics.AuthAttemptsTotal.WithLabelValues("wrong_credentials").Inc()
			l.ErrorContext(ctx, "vehicle account rejected credentials", slog.Any("error", err))
			return s.fail(ctx)
		}

		attempts++
		l.WarnContext(
			ctx,
			"vehicle login attempt failed",
			slog.Int("attempt", attempts),
			slog.Any("error", err),
		)
		// a solution is only good for the challenge it answered
		creds.CaptchaSolution = ""
		creds.CaptchaState = ""
		if attempts < maxAttempts {
			if err := s.sleep(ctx, attemptDelay); err != nil {
				return s.fail(ctx)
			}
		}
	}
	l.ErrorContext(ctx, "vehicle login failed", slog.Int("attempts", attempts))
	return s.fail(ctx)
}

func (s *Session) succeed(ctx context.Context, account vehicle.Account, v vehicle.Vehicle) bool {
	if s.store != nil {
		if err := s.store.SaveSession(ctx, account.Token); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to save session token", slog.Any("error", err))
		}
	}
	s.setVehicle(&v)
	s.transition(ctx, eventSucceed)
	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	log.Ctx(ctx).InfoContext(
		ctx,
		"logged in to vehicle account",
		slog.String("vin", v.VIN),
		slog.String("model", v.ModelName),
	)
	return true
}

func (s *Session) fail(ctx context.Context) bool {
	s.setVehicle(nil)
	s.transition(ctx, eventFail)
	metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
	return false
}

func (s *Session) setVehicle(v *vehicle.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicle = v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
