package vehicle

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/retry"
	"github.com/raterudder/chargerudder/pkg/types"
)

var (
	// ErrWrongCredentials means the account rejected the username or password.
	// Retrying will not help.
	ErrWrongCredentials = errors.New("wrong credentials")
	// ErrUnauthorized means the session token is no longer accepted.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTokenExpired is returned when a stored token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrIncompleteData means the service answered without a measurement it
	// always sends once the vehicle has reported in.
	ErrIncompleteData = errors.New("incomplete vehicle data")
)

// CaptchaRequiredError is returned by a login that must be retried with a
// captcha solution.
type CaptchaRequiredError struct {
	Challenge types.CaptchaChallenge
}

func (e *CaptchaRequiredError) Error() string {
	return "captcha required"
}

// Account is an authenticated vehicle account.
type Account struct {
	Token types.SessionToken
}

// Vehicle is a single vehicle reachable through an Account.
type Vehicle struct {
	VIN       string
	ModelName string
	Account   Account
}

// Credentials are the account's login details. CaptchaSolution and
// CaptchaState are only set when answering a CaptchaRequiredError.
type Credentials struct {
	Username        string
	Password        string
	CaptchaSolution string
	CaptchaState    string
}

// Client defines the interface for talking to the vehicle's remote service.
type Client interface {
	// AuthenticateWithToken restores an account from a stored token without
	// contacting the service.
	AuthenticateWithToken(ctx context.Context, token types.SessionToken) (Account, error)

	// AuthenticateWithCredentials logs in. It returns a *CaptchaRequiredError
	// when a captcha must be solved first and ErrWrongCredentials when the
	// login was rejected.
	AuthenticateWithCredentials(ctx context.Context, creds Credentials) (Account, error)

	// ListVehicles returns the vehicles on the account.
	ListVehicles(ctx context.Context, account Account) ([]Vehicle, error)

	// GetOverview fetches fresh measurements for the vehicle.
	GetOverview(ctx context.Context, v Vehicle) (types.Overview, error)

	// SetTargetSOC changes the vehicle's target state of charge.
	SetTargetSOC(ctx context.Context, v Vehicle, percent int) (types.CommandResult, error)

	// StartCharge starts charging immediately.
	StartCharge(ctx context.Context, v Vehicle) (types.CommandResult, error)

	// StopCharge stops charging immediately.
	StopCharge(ctx context.Context, v Vehicle) (types.CommandResult, error)
}

// IsTransient returns true for errors that are likely to go away on their
// own: gateway timeouts, incomplete data and client timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIncompleteData) || common.IsTimeout(err) {
		return true
	}
	switch common.StatusCode(err) {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Classify is a retry.Classifier for vehicle calls.
func Classify(err error) retry.Class {
	if IsTransient(err) {
		return retry.Transient
	}
	return retry.Fatal
}

// IsCaptchaRequired returns the captcha challenge if err asks for one.
func IsCaptchaRequired(err error) (types.CaptchaChallenge, bool) {
	var ce *CaptchaRequiredError
	if errors.As(err, &ce) {
		return ce.Challenge, true
	}
	return types.CaptchaChallenge{}, false
}

func unauthorized(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
}
