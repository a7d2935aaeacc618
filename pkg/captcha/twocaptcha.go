package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
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

const twoCaptchaNotReady = "CAPCHA_NOT_READY"

// TwoCaptcha solves image captchas with the 2captcha.com service.
type TwoCaptcha struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	maxPolls     int
	sleep        func(ctx context.Context, d time.Duration) error
}

func configuredTwoCaptcha() *TwoCaptcha {
	t := NewTwoCaptcha("", "")
	apiKey := lflag.String("twocaptcha-api-key", "", "API key for 2captcha.com")
	apiURL := lflag.String("twocaptcha-url", "https://2captcha.com", "Base URL of the 2captcha API")

	lflag.Do(func() {
		t.apiKey = *apiKey
		t.baseURL = *apiURL
	})
	return t
}

// NewTwoCaptcha returns a TwoCaptcha resolver.
func NewTwoCaptcha(apiKey, baseURL string) *TwoCaptcha {
	if baseURL == "" {
		baseURL = "https://2captcha.com"
	}
	return &TwoCaptcha{
		apiKey:       apiKey,
		baseURL:      baseURL,
		client:       common.HTTPClient(30 * time.Second),
		pollInterval: 5 * time.Second,
		maxPolls:     30,
		sleep:        sleepCtx,
	}
}

// Validate ensures the configuration is valid.
func (t *TwoCaptcha) Validate() error {
	if t.apiKey == "" {
		return errors.New("twocaptcha-api-key is required")
	}
	if _, err := url.Parse(t.baseURL); err != nil {
		return fmt.Errorf("failed to parse 2captcha url (%s): %w", t.baseURL, err)
	}
	return nil
}

type twoCaptchaResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve uploads the image and polls until a worker answers. SVG images are
// not accepted by the service and are never solved.
func (t *TwoCaptcha) Solve(ctx context.Context, challenge types.CaptchaChallenge) (string, error) {
	if len(challenge.Image) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrNoSolution)
	}
	if challenge.IsSVG() {
		log.Ctx(ctx).WarnContext(ctx, "2captcha cannot solve svg captcha images")
		return "", fmt.Errorf("%w: svg images are not supported", ErrNoSolution)
	}

	form := url.Values{}
	form.Set("key", t.apiKey)
	form.Set("method", "base64")
	form.Set("body", base64.StdEncoding.EncodeToString(challenge.Image))
	form.Set("json", "1")
	form.Set("regsense", "1")
	form.Set("min_len", "4")
	form.Set("max_len", "8")

	var submit twoCaptchaResponse
	if err := t.do(ctx, http.MethodPost, "in.php", form, &submit); err != nil {
		return "", fmt.Errorf("2captcha submit failed: %w", err)
	}
	if submit.Status != 1 {
		return "", fmt.Errorf("2captcha submit rejected: %s", submit.Request)
	}
	id := submit.Request
	log.Ctx(ctx).InfoContext(ctx, "submitted captcha to 2captcha", slog.String("id", id))

	params := url.Values{}
	params.Set("key", t.apiKey)
	params.Set("action", "get")
	params.Set("id", id)
	params.Set("json", "1")

	for i := 0; i < t.maxPolls; i++ {
		if err := t.sleep(ctx, t.pollInterval); err != nil {
			return "", err
		}
		var res twoCaptchaResponse
		if err := t.do(ctx, http.MethodGet, "res.php", params, &res); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to check 2captcha result", slog.Any("error", err))
			continue
		}
		if res.Status == 1 {
			log.Ctx(ctx).InfoContext(ctx, "2captcha solved captcha", slog.String("id", id))
			return res.Request, nil
		}
		if res.Request != twoCaptchaNotReady {
			return "", fmt.Errorf("%w: 2captcha error %s", ErrNoSolution, res.Request)
		}
	}
	return "", fmt.Errorf("%w: timed out waiting for 2captcha", ErrNoSolution)
}

func (t *TwoCaptcha) do(ctx context.Context, method, endpoint string, params url.Values, dest interface{}) error {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return err
	}

	var req *http.Request
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		u.RawQuery = params.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return err
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return common.NewStatusError("2captcha", resp)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
