package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Generic reads the current price from a single URL answering
// {"price": <cents/kWh>}. It has no sites and no forecast.
type Generic struct {
	apiURL string
	apiKey string
	client *http.Client
	now    func() time.Time
}

func configuredGeneric() *Generic {
	g := NewGeneric("", "")
	apiURL := lflag.String("price-api-url", "", "URL returning the current price as {\"price\": cents}")
	apiKey := lflag.String("price-api-key", "", "Bearer token for price-api-url (optional)")

	lflag.Do(func() {
		g.apiURL = *apiURL
		g.apiKey = *apiKey
	})
	return g
}

// NewGeneric returns a Generic feed.
func NewGeneric(apiURL, apiKey string) *Generic {
	return &Generic{
		apiURL: apiURL,
		apiKey: apiKey,
		client: common.HTTPClient(10 * time.Second),
		now:    time.Now,
	}
}

// Validate ensures the configuration is valid.
func (g *Generic) Validate() error {
	if g.apiURL == "" {
		return errors.New("price-api-url is required")
	}
	if _, err := url.Parse(g.apiURL); err != nil {
		return fmt.Errorf("failed to parse price api url (%s): %w", g.apiURL, err)
	}
	return nil
}

// ListSites implements Feed with a single placeholder site.
func (g *Generic) ListSites(ctx context.Context) ([]string, error) {
	return []string{"default"}, nil
}

// CurrentPrices implements Feed.
func (g *Generic) CurrentPrices(ctx context.Context, siteID string) ([]types.PriceQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, common.NewStatusError("price", resp)
	}

	var body struct {
		Price *float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if body.Price == nil {
		return nil, errors.New("price api response missing price")
	}
	return []types.PriceQuote{{
		Timestamp:   g.now().UTC(),
		CentsPerKWH: *body.Price,
		Channel:     types.PriceChannelGeneral,
	}}, nil
}

// Forecast implements Feed. The generic API has no forecast.
func (g *Generic) Forecast(ctx context.Context, siteID string, periods int) ([]types.PriceQuote, error) {
	return nil, errors.ErrUnsupported
}
