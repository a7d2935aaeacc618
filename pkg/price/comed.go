package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

var (
	// PJM uses Eastern Time
	etLocation = func() *time.Location {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			panic(fmt.Errorf("failed to load eastern time location: %w", err))
		}
		return loc
	}()

	// ComEd uses Central Time
	ctLocation = func() *time.Location {
		loc, err := time.LoadLocation("America/Chicago")
		if err != nil {
			panic(fmt.Errorf("failed to load central time location: %w", err))
		}
		return loc
	}()
)

const (
	comedSiteID     = "comed"
	pjmComedPNodeID = "33092371"
)

// ComEd reads the ComEd hourly pricing 5 minute feed. Forecasts come from the
// PJM day-ahead market and need a PJM Data Miner key.
type ComEd struct {
	apiURL    string
	pjmAPIURL string
	pjmAPIKey string
	client    *http.Client
	now       func() time.Time
}

func configuredComEd() *ComEd {
	c := NewComEd("", "", "")
	apiURL := lflag.String("comed-api-url", "https://hourlypricing.comed.com/api", "URL for the ComEd Hourly Pricing API")
	pjmURL := lflag.String("pjm-api-url", "https://api.pjm.com/api/v1/da_hrl_lmps", "URL for the PJM API")
	pjmKey := lflag.String("pjm-api-key", "", "API Key for PJM Data Miner 2 (optional, enables forecasts)")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.pjmAPIURL = *pjmURL
		c.pjmAPIKey = *pjmKey
	})
	return c
}

// NewComEd returns a ComEd feed. An empty pjmAPIKey disables forecasts.
func NewComEd(apiURL, pjmAPIURL, pjmAPIKey string) *ComEd {
	return &ComEd{
		apiURL:    apiURL,
		pjmAPIURL: pjmAPIURL,
		pjmAPIKey: pjmAPIKey,
		client:    common.HTTPClient(10 * time.Second),
		now:       time.Now,
	}
}

// Validate ensures the configuration is valid.
func (c *ComEd) Validate() error {
	if c.apiURL == "" {
		return errors.New("comed-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse comed url (%s): %w", c.apiURL, err)
	}
	if c.pjmAPIKey != "" {
		if _, err := url.Parse(c.pjmAPIURL); err != nil {
			return fmt.Errorf("failed to parse pjm url (%s): %w", c.pjmAPIURL, err)
		}
	}
	return nil
}

// ListSites implements Feed. ComEd has a single price zone.
func (c *ComEd) ListSites(ctx context.Context) ([]string, error) {
	return []string{comedSiteID}, nil
}

// CurrentPrices implements Feed with the latest 5 minute price.
func (c *ComEd) CurrentPrices(ctx context.Context, siteID string) ([]types.PriceQuote, error) {
	now := c.now()
	quotes, err := c.fetchFeed(ctx, now.Add(-time.Hour), now)
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, errors.New("no comed prices returned for current window")
	}
	return quotes[len(quotes)-1:], nil
}

// Forecast implements Feed. The current interval is the latest 5 minute
// price and the rest are hourly day-ahead prices split into 30 minute
// intervals.
func (c *ComEd) Forecast(ctx context.Context, siteID string, periods int) ([]types.PriceQuote, error) {
	if c.pjmAPIKey == "" {
		return nil, fmt.Errorf("comed forecast needs pjm-api-key: %w", errors.ErrUnsupported)
	}
	current, err := c.CurrentPrices(ctx, siteID)
	if err != nil {
		return nil, err
	}
	hourly, err := c.fetchPJMDayAhead(ctx)
	if err != nil {
		return nil, err
	}

	slot := c.now().UTC().Truncate(30 * time.Minute)
	quotes := make([]types.PriceQuote, 0, periods+1)
	first := current[0]
	first.Timestamp = slot
	quotes = append(quotes, first)
	for i := 1; i <= periods; i++ {
		ts := slot.Add(time.Duration(i) * 30 * time.Minute)
		cents, ok := hourly[ts.Truncate(time.Hour).Unix()]
		if !ok {
			// day-ahead prices end at midnight tomorrow
			break
		}
		quotes = append(quotes, types.PriceQuote{
			Timestamp:   ts,
			CentsPerKWH: cents,
			Channel:     types.PriceChannelGeneral,
			Forecast:    true,
		})
	}
	return quotes, nil
}

type comedPriceEntry struct {
	MillisUTC string `json:"millisUTC"`
	Price     string `json:"price"`
}

// fetchFeed returns the 5 minute prices between start and end in time order.
// Each price is stamped with the end of its interval.
func (c *ComEd) fetchFeed(ctx context.Context, start, end time.Time) ([]types.PriceQuote, error) {
	start = start.In(ctLocation)
	end = end.In(ctLocation)

	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	params.Set("type", "5minutefeed")
	params.Set("datestart", start.Format("200601021504"))
	params.Set("dateend", end.Format("200601021504"))
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from comed", slog.String("url", u.String()))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, common.NewStatusError("comed", resp)
	}

	var data []comedPriceEntry
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		// ComEd sometimes returns an empty or non-json body when it has no data
		return nil, fmt.Errorf("failed to decode comed response: %w", err)
	}

	quotes := make([]types.PriceQuote, 0, len(data))
	for _, item := range data {
		ms, err := strconv.ParseInt(item.MillisUTC, 10, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse comed millisUTC", slog.String("value", item.MillisUTC), slog.Any("error", err))
			continue
		}
		cents, err := strconv.ParseFloat(item.Price, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse comed price", slog.String("value", item.Price), slog.Any("error", err))
			continue
		}
		quotes = append(quotes, types.PriceQuote{
			Timestamp:   time.UnixMilli(ms).UTC(),
			CentsPerKWH: cents,
			Channel:     types.PriceChannelGeneral,
		})
	}
	sort.Slice(quotes, func(i, j int) bool {
		return quotes[i].Timestamp.Before(quotes[j].Timestamp)
	})
	return quotes, nil
}

type pjmItem struct {
	DatetimeBeginningEPT string  `json:"datetime_beginning_ept"`
	TotalLMPDA           float64 `json:"total_lmp_da"`
}

// fetchPJMDayAhead returns today's and tomorrow's day-ahead prices in
// cents/kWh keyed by the unix time of the start of the hour.
func (c *ComEd) fetchPJMDayAhead(ctx context.Context) (map[int64]float64, error) {
	now := c.now().In(etLocation)
	dateRange := fmt.Sprintf("%s 00:00 to %s 23:59", now.Format("2006-01-02"), now.AddDate(0, 0, 1).Format("2006-01-02"))

	u, err := url.Parse(c.pjmAPIURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pjm url (%s): %w", c.pjmAPIURL, err)
	}
	q := u.Query()
	q.Set("pnode_id", pjmComedPNodeID)
	q.Set("datetime_beginning_ept", dateRange)
	q.Set("format", "json")
	q.Set("fields", "datetime_beginning_ept,total_lmp_da")
	// download true removes the metadata and returns only the data
	q.Set("download", "true")
	q.Set("startRow", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.pjmAPIKey)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, common.NewStatusError("pjm", resp)
	}

	var res []pjmItem
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode pjm response: %w", err)
	}

	prices := make(map[int64]float64, len(res))
	for _, item := range res {
		t, err := time.ParseInLocation("2006-01-02T15:04:05", item.DatetimeBeginningEPT, etLocation)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse pjm time", slog.String("time", item.DatetimeBeginningEPT), slog.Any("error", err))
			continue
		}
		// $/MWh to c/kWh
		prices[t.Truncate(time.Hour).Unix()] = item.TotalLMPDA / 10
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched pjm prices", slog.Int("count", len(prices)))
	return prices, nil
}
