package price

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/retry"
	"github.com/raterudder/chargerudder/pkg/types"
)

const (
	// CacheTTL is how long a fetched price is reused.
	CacheTTL = 5 * time.Minute
	// MaxHistory bounds the rolling history, 24h at 5 minute resolution.
	MaxHistory = 288

	fetchRetries        = 2
	defaultForecastHour = 12
	periodLength        = 30 * time.Minute
)

var (
	errNoSites = errors.New("price feed has no sites")
	errNoPrice = errors.New("price feed returned no general price")
)

// Store persists fetched prices.
type Store interface {
	UpsertPrice(ctx context.Context, quote types.PriceQuote) error
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceQuote, error)
}

type forecastEntry struct {
	quotes    []types.PriceQuote
	fetchedAt time.Time
}

// Oracle answers price questions from a Feed with caching and fallbacks. It
// never returns an error: when nothing else is available the threshold is
// used so the decision stays neutral.
type Oracle struct {
	feed   Feed
	store  Store
	policy retry.Policy
	now    func() time.Time

	mu        sync.Mutex
	siteID    string
	history   []types.PriceQuote
	forecasts map[int]forecastEntry
	live      types.LivePrices
	liveAt    time.Time
}

// Configured returns an Oracle whose site ID may be pinned by a flag.
func Configured(feed Feed, store Store) *Oracle {
	o := NewOracle(feed, store, "")
	siteID := lflag.String("amber-site-id", "", "Price feed site ID (defaults to the first site on the account)")

	lflag.Do(func() {
		o.siteID = *siteID
	})
	return o
}

// NewOracle returns an Oracle. An empty siteID is discovered from the feed on
// first use.
func NewOracle(feed Feed, store Store, siteID string) *Oracle {
	return &Oracle{
		feed:      feed,
		store:     store,
		policy:    retry.Policy{Name: "price"},
		now:       time.Now,
		siteID:    siteID,
		forecasts: make(map[int]forecastEntry),
	}
}

// Load fills the history from the store.
func (o *Oracle) Load(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	now := o.now()
	quotes, err := o.store.GetPriceHistory(ctx, now.Add(-24*time.Hour), now.Add(time.Minute))
	if err != nil {
		return err
	}
	if len(quotes) > MaxHistory {
		quotes = quotes[len(quotes)-MaxHistory:]
	}

	o.mu.Lock()
	o.history = quotes
	o.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "loaded price history", slog.Int("count", len(quotes)))
	return nil
}

// CurrentPrice returns the price to decide on in cents/kWh. It prefers the
// mock price, then a price fetched less than CacheTTL ago, then a live
// fetch, then the latest price ever seen and finally the threshold.
func (o *Oracle) CurrentPrice(ctx context.Context, settings types.Settings) float64 {
	if settings.MockPriceCentsPerKWH != nil {
		metrics.PriceLookupsTotal.WithLabelValues("mock").Inc()
		log.Ctx(ctx).DebugContext(ctx, "using mock price", slog.Float64("price", *settings.MockPriceCentsPerKWH))
		return *settings.MockPriceCentsPerKWH
	}

	now := o.now()
	if latest, ok := o.latest(); ok && now.Sub(latest.Timestamp) < CacheTTL {
		metrics.PriceLookupsTotal.WithLabelValues("cache").Inc()
		return latest.CentsPerKWH
	}

	price, err := o.fetchCurrent(ctx)
	if err == nil {
		quote := types.PriceQuote{
			Timestamp:   now.UTC(),
			CentsPerKWH: price,
			Channel:     types.PriceChannelGeneral,
		}
		o.append(quote)
		if o.store != nil {
			if err := o.store.UpsertPrice(ctx, quote); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to store price", slog.Any("error", err))
			}
		}
		metrics.PriceLookupsTotal.WithLabelValues("live").Inc()
		log.Ctx(ctx).InfoContext(ctx, "fetched current price", slog.Float64("price", price))
		return price
	}

	if latest, ok := o.latest(); ok {
		metrics.PriceLookupsTotal.WithLabelValues("stale").Inc()
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to fetch price, using last known price",
			slog.Float64("price", latest.CentsPerKWH),
			slog.Time("fetched", latest.Timestamp),
			slog.Any("error", err),
		)
		return latest.CentsPerKWH
	}

	metrics.PriceLookupsTotal.WithLabelValues("threshold").Inc()
	log.Ctx(ctx).WarnContext(
		ctx,
		"failed to fetch price, using threshold",
		slog.Float64("threshold", settings.PriceThresholdCentsPerKWH),
		slog.Any("error", err),
	)
	return settings.PriceThresholdCentsPerKWH
}

func (o *Oracle) fetchCurrent(ctx context.Context) (float64, error) {
	var price float64
	err := o.policy.Do(ctx, fetchRetries, Classify, func(ctx context.Context) error {
		siteID, err := o.site(ctx)
		if err != nil {
			return err
		}
		quotes, err := o.feed.CurrentPrices(ctx, siteID)
		if err != nil {
			return err
		}
		var found bool
		var latest time.Time
		for _, q := range quotes {
			if q.Channel != types.PriceChannelGeneral {
				continue
			}
			if !found || q.Timestamp.After(latest) {
				price = q.CentsPerKWH
				latest = q.Timestamp
				found = true
			}
		}
		if !found {
			return errNoPrice
		}
		return nil
	})
	return price, err
}

// ForecastPrices returns general prices for the next hours in 30 minute
// periods. The result is empty when no forecast can be had.
func (o *Oracle) ForecastPrices(ctx context.Context, settings types.Settings, hours int) []types.PriceQuote {
	if hours <= 0 {
		hours = defaultForecastHour
	}
	periods := hours * int(time.Hour/periodLength)
	now := o.now()

	if settings.MockPriceCentsPerKWH != nil {
		start := now.UTC().Truncate(periodLength)
		quotes := make([]types.PriceQuote, periods)
		for i := range quotes {
			quotes[i] = types.PriceQuote{
				Timestamp:   start.Add(time.Duration(i) * periodLength),
				CentsPerKWH: *settings.MockPriceCentsPerKWH,
				Channel:     types.PriceChannelGeneral,
				Forecast:    i > 0,
			}
		}
		return quotes
	}

	o.mu.Lock()
	entry, ok := o.forecasts[hours]
	o.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < CacheTTL {
		return copyQuotes(entry.quotes)
	}

	var quotes []types.PriceQuote
	err := o.policy.Do(ctx, fetchRetries, Classify, func(ctx context.Context) error {
		siteID, err := o.site(ctx)
		if err != nil {
			return err
		}
		quotes, err = o.feed.Forecast(ctx, siteID, periods)
		return err
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch price forecast", slog.Int("hours", hours), slog.Any("error", err))
		return []types.PriceQuote{}
	}

	o.mu.Lock()
	o.forecasts[hours] = forecastEntry{quotes: quotes, fetchedAt: now}
	o.mu.Unlock()
	return copyQuotes(quotes)
}

// LivePrices returns the current general and feed-in prices. Fields are nil
// when the feed did not return them.
func (o *Oracle) LivePrices(ctx context.Context) types.LivePrices {
	now := o.now()
	o.mu.Lock()
	if !o.liveAt.IsZero() && now.Sub(o.liveAt) < CacheTTL {
		live := o.live
		o.mu.Unlock()
		return live
	}
	o.mu.Unlock()

	var quotes []types.PriceQuote
	err := o.policy.Do(ctx, 0, Classify, func(ctx context.Context) error {
		siteID, err := o.site(ctx)
		if err != nil {
			return err
		}
		quotes, err = o.feed.CurrentPrices(ctx, siteID)
		return err
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch live prices", slog.Any("error", err))
		return types.LivePrices{}
	}

	var live types.LivePrices
	for _, q := range quotes {
		q := q
		switch q.Channel {
		case types.PriceChannelGeneral:
			if live.General == nil {
				live.General = &q
			}
		case types.PriceChannelFeedIn:
			if live.FeedIn == nil {
				live.FeedIn = &q
			}
		}
	}

	o.mu.Lock()
	o.live = live
	o.liveAt = now
	o.mu.Unlock()
	return live
}

// History returns a copy of the rolling price history, oldest first.
func (o *Oracle) History() []types.PriceQuote {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyQuotes(o.history)
}

func (o *Oracle) site(ctx context.Context) (string, error) {
	o.mu.Lock()
	siteID := o.siteID
	o.mu.Unlock()
	if siteID != "" {
		return siteID, nil
	}

	sites, err := o.feed.ListSites(ctx)
	if err != nil {
		return "", err
	}
	if len(sites) == 0 {
		return "", errNoSites
	}
	log.Ctx(ctx).InfoContext(ctx, "discovered price site", slog.String("siteID", sites[0]))

	o.mu.Lock()
	o.siteID = sites[0]
	o.mu.Unlock()
	return sites[0], nil
}

func (o *Oracle) latest() (types.PriceQuote, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return types.PriceQuote{}, false
	}
	return o.history[len(o.history)-1], true
}

func (o *Oracle) append(q types.PriceQuote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, q)
	if len(o.history) > MaxHistory {
		o.history = append([]types.PriceQuote(nil), o.history[len(o.history)-MaxHistory:]...)
	}
}

func copyQuotes(q []types.PriceQuote) []types.PriceQuote {
	out := make([]types.PriceQuote, len(q))
	copy(out, q)
	return out
}
