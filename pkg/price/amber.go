package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Amber implements Feed for the Amber Electric API.
type Amber struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func configuredAmber() *Amber {
	a := NewAmber("", "")
	apiKey := lflag.String("amber-api-key", "", "API key for Amber Electric")
	apiURL := lflag.String("amber-api-url", "https://api.amber.com.au/v1", "Base URL of the Amber Electric API")

	lflag.Do(func() {
		a.apiKey = *apiKey
		a.baseURL = *apiURL
	})
	return a
}

// NewAmber returns an Amber feed.
func NewAmber(apiKey, baseURL string) *Amber {
	if baseURL == "" {
		baseURL = "https://api.amber.com.au/v1"
	}
	return &Amber{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  common.HTTPClient(10 * time.Second),
	}
}

// Validate ensures the configuration is valid.
func (a *Amber) Validate() error {
	if a.apiKey == "" {
		return errors.New("amber-api-key is required")
	}
	if _, err := url.Parse(a.baseURL); err != nil {
		return fmt.Errorf("failed to parse amber url (%s): %w", a.baseURL, err)
	}
	return nil
}

type amberSite struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type amberInterval struct {
	Type        string   `json:"type"`
	NEMTime     string   `json:"nemTime"`
	PerKWH      *float64 `json:"perKwh"`
	ChannelType string   `json:"channelType"`
}

// ListSites implements Feed. Closed sites are skipped.
func (a *Amber) ListSites(ctx context.Context) ([]string, error) {
	var sites []amberSite
	if err := a.get(ctx, url.Values{}, &sites, "sites"); err != nil {
		return nil, fmt.Errorf("failed to list amber sites: %w", err)
	}
	ids := make([]string, 0, len(sites))
	for _, s := range sites {
		if s.ID == "" || s.Status == "closed" {
			continue
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// CurrentPrices implements Feed.
func (a *Amber) CurrentPrices(ctx context.Context, siteID string) ([]types.PriceQuote, error) {
	var intervals []amberInterval
	if err := a.get(ctx, url.Values{}, &intervals, "sites", siteID, "prices", "current"); err != nil {
		return nil, fmt.Errorf("failed to fetch amber current prices: %w", err)
	}
	return toQuotes(ctx, intervals, ""), nil
}

// Forecast implements Feed.
func (a *Amber) Forecast(ctx context.Context, siteID string, periods int) ([]types.PriceQuote, error) {
	params := url.Values{}
	params.Set("next", strconv.Itoa(periods))
	params.Set("resolution", "30")
	var intervals []amberInterval
	if err := a.get(ctx, params, &intervals, "sites", siteID, "prices", "current"); err != nil {
		return nil, fmt.Errorf("failed to fetch amber forecast: %w", err)
	}
	return toQuotes(ctx, intervals, types.PriceChannelGeneral), nil
}

// toQuotes keeps current and forecast intervals that carry a price, optionally
// only for one channel.
func toQuotes(ctx context.Context, intervals []amberInterval, channel types.PriceChannel) []types.PriceQuote {
	quotes := make([]types.PriceQuote, 0, len(intervals))
	for _, in := range intervals {
		if in.Type != "CurrentInterval" && in.Type != "ForecastInterval" {
			continue
		}
		if in.PerKWH == nil {
			continue
		}
		ch := types.PriceChannel(in.ChannelType)
		if ch != types.PriceChannelGeneral && ch != types.PriceChannelFeedIn {
			continue
		}
		if channel != "" && ch != channel {
			continue
		}
		ts, err := time.Parse(time.RFC3339, in.NEMTime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse amber nemTime", slog.String("value", in.NEMTime), slog.Any("error", err))
			continue
		}
		quotes = append(quotes, types.PriceQuote{
			Timestamp:   ts.UTC(),
			CentsPerKWH: *in.PerKWH,
			Channel:     ch,
			Forecast:    in.Type == "ForecastInterval",
		})
	}
	return quotes
}

func (a *Amber) get(ctx context.Context, params url.Values, dest interface{}, path ...string) error {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	u = u.JoinPath(path...)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Accept", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching from amber", slog.String("path", u.Path))

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return common.NewStatusError("amber", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
