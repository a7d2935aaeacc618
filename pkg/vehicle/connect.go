package vehicle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

const (
	connectLoginPath    = "auth/login"
	connectVehiclesPath = "connect/v1/vehicles"

	measurementBatteryLevel         = "BATTERY_LEVEL"
	measurementBatteryChargingState = "BATTERY_CHARGING_STATE"
	measurementChargingSummary      = "CHARGING_SUMMARY"
	measurementChargingRate         = "CHARGING_RATE"

	commandChargeStart    = "DIRECT_CHARGING_START"
	commandChargeStop     = "DIRECT_CHARGING_STOP"
	commandChargeSettings = "CHARGING_SETTINGS_EDIT"
)

var overviewMeasurements = []string{
	measurementBatteryLevel,
	measurementBatteryChargingState,
	measurementChargingSummary,
	measurementChargingRate,
}

// Connect implements Client against the vehicle maker's connected-car API.
type Connect struct {
	client   *http.Client
	baseURL  string
	clientID string
	now      func() time.Time
}

// Configured sets up the Connect client from flags.
func Configured() *Connect {
	c := &Connect{
		client: common.HTTPClient(time.Minute),
		now:    time.Now,
	}
	apiURL := lflag.String("vehicle-api-url", "https://api.ppa.porsche.com", "Base URL of the connected vehicle API")
	clientID := lflag.String("vehicle-client-id", "", "OAuth client ID sent with logins (optional)")

	lflag.Do(func() {
		c.baseURL = *apiURL
		c.clientID = *clientID
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("vehicle validation failed: %v", err))
		}
	})
	return c
}

// NewConnect returns a Connect client for baseURL.
func NewConnect(baseURL string, client *http.Client) *Connect {
	if client == nil {
		client = common.HTTPClient(time.Minute)
	}
	return &Connect{
		client:  client,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Validate ensures the configuration is valid.
func (c *Connect) Validate() error {
	if c.baseURL == "" {
		return errors.New("vehicle-api-url is required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("failed to parse vehicle url (%s): %w", c.baseURL, err)
	}
	return nil
}

// connectToken is the JSON stored as the opaque session token.
type connectToken struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func decodeToken(token types.SessionToken) (connectToken, error) {
	var t connectToken
	if len(token) == 0 {
		return t, errors.New("empty token")
	}
	if err := json.Unmarshal(token, &t); err != nil {
		return t, fmt.Errorf("failed to decode token: %w", err)
	}
	if t.AccessToken == "" {
		return t, errors.New("token missing access token")
	}
	return t, nil
}

// AuthenticateWithToken restores the account from a previously stored token.
// It only checks the token's shape and expiry, callers should make a cheap
// request to confirm the service still accepts it.
func (c *Connect) AuthenticateWithToken(ctx context.Context, token types.SessionToken) (Account, error) {
	t, err := decodeToken(token)
	if err != nil {
		return Account{}, err
	}
	if !t.ExpiresAt.IsZero() && !c.now().Before(t.ExpiresAt) {
		return Account{}, ErrTokenExpired
	}
	return Account{Token: token}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"clientId,omitempty"`
	Captcha  string `json:"captcha,omitempty"`
	State    string `json:"state,omitempty"`
}

type loginResult struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`

	Error   string `json:"error"`
	Message string `json:"message"`
	Captcha string `json:"captcha"`
	State   string `json:"state"`
}

// AuthenticateWithCredentials logs in with a username and password.
func (c *Connect) AuthenticateWithCredentials(ctx context.Context, creds Credentials) (Account, error) {
	if creds.Username == "" {
		return Account{}, errors.New("missing username")
	}
	if creds.Password == "" {
		return Account{}, errors.New("missing password")
	}

	req, err := c.newPostJSONRequest(ctx, connectLoginPath, loginRequest{
		Username: creds.Username,
		Password: creds.Password,
		ClientID: c.clientID,
		Captcha:  creds.CaptchaSolution,
		State:    creds.CaptchaState,
	})
	if err != nil {
		return Account{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Account{}, fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Account{}, fmt.Errorf("failed to read login response: %w", err)
	}
	var res loginResult
	if len(body) > 0 {
		if err := json.Unmarshal(body, &res); err != nil && resp.StatusCode == http.StatusOK {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode login response", slog.Any("error", err))
			return Account{}, fmt.Errorf("failed to decode login response: %w", err)
		}
	}

	switch {
	case res.Error == "captcha_required" || (res.Captcha != "" && resp.StatusCode != http.StatusOK):
		challenge, err := decodeCaptcha(res.Captcha, res.State)
		if err != nil {
			return Account{}, fmt.Errorf("failed to decode captcha: %w", err)
		}
		log.Ctx(ctx).DebugContext(ctx, "login requires captcha", slog.String("mimeType", challenge.MIMEType))
		return Account{}, &CaptchaRequiredError{Challenge: challenge}
	case res.Error == "wrong_credentials" || res.Error == "invalid_grant":
		return Account{}, ErrWrongCredentials
	case resp.StatusCode != http.StatusOK:
		return Account{}, fmt.Errorf("login failed: %w", &common.StatusError{Service: "vehicle", Code: resp.StatusCode, Body: res.Message})
	case res.AccessToken == "":
		return Account{}, errors.New("login response missing access token")
	}

	t := connectToken{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	}
	if res.ExpiresIn > 0 {
		t.ExpiresAt = c.now().Add(time.Duration(res.ExpiresIn) * time.Second).UTC()
	}
	token, err := json.Marshal(t)
	if err != nil {
		return Account{}, fmt.Errorf("failed to encode token: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "vehicle login success", slog.String("username", creds.Username))
	return Account{Token: token}, nil
}

// decodeCaptcha accepts either a data URI or bare base64.
func decodeCaptcha(raw, state string) (types.CaptchaChallenge, error) {
	c := types.CaptchaChallenge{State: state}
	payload := raw
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return c, errors.New("invalid data uri")
		}
		c.MIMEType, _, _ = strings.Cut(meta, ";")
		if !strings.HasSuffix(meta, ";base64") {
			unescaped, err := url.PathUnescape(data)
			if err != nil {
				return c, err
			}
			c.Image = []byte(unescaped)
			return c, nil
		}
		payload = data
	}
	img, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return c, err
	}
	c.Image = img
	if c.MIMEType == "" {
		c.MIMEType = http.DetectContentType(img)
		if c.IsSVG() {
			c.MIMEType = "image/svg+xml"
		}
	}
	return c, nil
}

type vehicleResult struct {
	VIN       string `json:"vin"`
	ModelName string `json:"modelName"`
}

// ListVehicles returns every vehicle on the account.
func (c *Connect) ListVehicles(ctx context.Context, account Account) ([]Vehicle, error) {
	req, err := c.newGetRequest(ctx, connectVehiclesPath, nil)
	if err != nil {
		return nil, err
	}
	var res []vehicleResult
	if err := c.doRequest(req, account, &res); err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	vehicles := make([]Vehicle, 0, len(res))
	for _, v := range res {
		if v.VIN == "" {
			continue
		}
		vehicles = append(vehicles, Vehicle{
			VIN:       v.VIN,
			ModelName: v.ModelName,
			Account:   account,
		})
	}
	return vehicles, nil
}

type measurement struct {
	Key    string `json:"key"`
	Status *struct {
		IsEnabled *bool `json:"isEnabled"`
	} `json:"status"`
	Value json.RawMessage `json:"value"`
}

type overviewResult struct {
	VIN          string        `json:"vin"`
	Measurements []measurement `json:"measurements"`
}

// GetOverview fetches the charging related measurements for the vehicle.
func (c *Connect) GetOverview(ctx context.Context, v Vehicle) (types.Overview, error) {
	params := url.Values{}
	for _, m := range overviewMeasurements {
		params.Add("mf", m)
	}
	req, err := c.newGetRequest(ctx, connectVehiclesPath+"/"+url.PathEscape(v.VIN), params)
	if err != nil {
		return types.Overview{}, err
	}
	var res overviewResult
	if err := c.doRequest(req, v.Account, &res); err != nil {
		return types.Overview{}, fmt.Errorf("get overview: %w", err)
	}
	o, err := parseOverview(res.Measurements)
	if err != nil {
		return types.Overview{}, err
	}
	o.FetchedAt = c.now().UTC()

	log.Ctx(ctx).DebugContext(ctx, "vehicle overview",
		slog.String("vin", v.VIN),
		slog.Any("batteryLevel", o.BatteryLevelPercent),
		slog.Any("chargingState", o.BatteryChargingState),
		slog.Int("measurements", len(o.Raw)),
	)
	return o, nil
}

// parseOverview maps measurements into an Overview. Values that are missing,
// disabled or of an unexpected shape are left nil. The charging summary is the
// one measurement the service always sends once the vehicle has checked in so
// its absence means the response is incomplete.
func parseOverview(ms []measurement) (types.Overview, error) {
	o := types.Overview{
		Raw: make(map[string]json.RawMessage, len(ms)),
	}
	for _, m := range ms {
		if m.Key == "" {
			continue
		}
		o.Raw[m.Key] = m.Value
		if m.Status != nil && m.Status.IsEnabled != nil && !*m.Status.IsEnabled {
			continue
		}
		switch m.Key {
		case measurementBatteryLevel:
			o.BatteryLevelPercent = objectNumber(m.Value, "percent")
		case measurementBatteryChargingState:
			o.BatteryChargingState = stringOrField(m.Value, "state")
		case measurementChargingSummary:
			o.ChargingSummary = &types.ChargingSummary{Status: objectString(m.Value, "status")}
		case measurementChargingRate:
			if power := objectNumber(m.Value, "chargingPower"); power != nil {
				o.ChargingRate = &types.ChargingRate{PowerKW: power}
			} else {
				o.ChargingRate = &types.ChargingRate{}
			}
		}
	}
	if _, ok := o.Raw[measurementChargingSummary]; !ok {
		return o, fmt.Errorf("%w: missing %s", ErrIncompleteData, measurementChargingSummary)
	}
	return o, nil
}

func objectField(raw json.RawMessage, field string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj[field]
}

func objectNumber(raw json.RawMessage, field string) *float64 {
	var f float64
	if err := json.Unmarshal(objectField(raw, field), &f); err != nil {
		return nil
	}
	return &f
}

func objectString(raw json.RawMessage, field string) *string {
	var s string
	if err := json.Unmarshal(objectField(raw, field), &s); err != nil {
		return nil
	}
	return &s
}

// stringOrField accepts either a bare string or an object holding field.
func stringOrField(raw json.RawMessage, field string) *string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	return objectString(raw, field)
}

type commandRequest struct {
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload,omitempty"`
}

type commandResult struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
}

func (c *Connect) sendCommand(ctx context.Context, v Vehicle, key string, payload map[string]any) (types.CommandResult, error) {
	req, err := c.newPostJSONRequest(ctx, connectVehiclesPath+"/"+url.PathEscape(v.VIN)+"/commands", commandRequest{
		Key:     key,
		Payload: payload,
	})
	if err != nil {
		return types.CommandResult{}, err
	}
	var res commandResult
	if err := c.doRequest(req, v.Account, &res); err != nil {
		return types.CommandResult{}, fmt.Errorf("%s: %w", strings.ToLower(key), err)
	}
	result := types.CommandResult{Message: res.Message}
	// status is either "PERFORMED" or {"result": "PERFORMED"}
	if s := stringOrField(res.Status, "result"); s != nil {
		result.Status = *s
	}
	log.Ctx(ctx).DebugContext(ctx, "vehicle command result",
		slog.String("command", key),
		slog.String("status", result.Status),
		slog.String("message", result.Message),
	)
	return result, nil
}

// SetTargetSOC changes the target state of charge of the vehicle.
func (c *Connect) SetTargetSOC(ctx context.Context, v Vehicle, percent int) (types.CommandResult, error) {
	return c.sendCommand(ctx, v, commandChargeSettings, map[string]any{"targetSoc": percent})
}

// StartCharge starts charging now.
func (c *Connect) StartCharge(ctx context.Context, v Vehicle) (types.CommandResult, error) {
	return c.sendCommand(ctx, v, commandChargeStart, nil)
}

// StopCharge stops charging now.
func (c *Connect) StopCharge(ctx context.Context, v Vehicle) (types.CommandResult, error) {
	return c.sendCommand(ctx, v, commandChargeStop, nil)
}

func (c *Connect) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (c *Connect) newPostJSONRequest(ctx context.Context, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doRequest sends an authenticated request and decodes the JSON body into
// dest. A 401 is reported as ErrUnauthorized and never retried here; getting
// a new session is up to the caller.
func (c *Connect) doRequest(req *http.Request, account Account, dest interface{}) error {
	t, err := decodeToken(account.Token)
	if err != nil {
		return unauthorized("decode token", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		log.Ctx(req.Context()).DebugContext(req.Context(), "vehicle token rejected", slog.Int("status", resp.StatusCode))
		return unauthorized(req.URL.Path, common.NewStatusError("vehicle", resp))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return common.NewStatusError("vehicle", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode vehicle response", slog.Any("error", err), slog.String("body", string(body)))
		return fmt.Errorf("failed to decode vehicle response: %w", err)
	}
	return nil
}
