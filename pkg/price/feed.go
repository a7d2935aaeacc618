// Package price resolves the electricity price the controller compares with
// the threshold.
package price

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/retry"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Feed is an upstream source of electricity prices.
type Feed interface {
	// ListSites returns the site IDs available to the account.
	ListSites(ctx context.Context) ([]string, error)
	// CurrentPrices returns the prices of the current interval, one per
	// channel, possibly with a few intervals around it.
	CurrentPrices(ctx context.Context, siteID string) ([]types.PriceQuote, error)
	// Forecast returns the current interval and the next periods 30 minute
	// intervals for the general channel in time order.
	Forecast(ctx context.Context, siteID string, periods int) ([]types.PriceQuote, error)
}

// ConfiguredFeed sets up the price feed based on flags.
func ConfiguredFeed() Feed {
	feed := lflag.String("price-feed", "amber", "Price feed to use (available: amber, comed, generic)")

	var p struct{ Feed }

	a := configuredAmber()
	c := configuredComEd()
	g := configuredGeneric()

	lflag.Do(func() {
		switch *feed {
		case "amber":
			if err := a.Validate(); err != nil {
				panic(fmt.Sprintf("amber validation failed: %v", err))
			}
			p.Feed = a
		case "comed":
			if err := c.Validate(); err != nil {
				panic(fmt.Sprintf("comed validation failed: %v", err))
			}
			p.Feed = c
		case "generic":
			if err := g.Validate(); err != nil {
				panic(fmt.Sprintf("generic price feed validation failed: %v", err))
			}
			p.Feed = g
		default:
			panic(fmt.Sprintf("unknown price feed: %s", *feed))
		}
	})

	return &p
}

// Classify is a retry.Classifier for feed calls. Timeouts and transport
// errors are retried. Error responses are not, the oracle falls back instead.
func Classify(err error) retry.Class {
	if common.StatusCode(err) != 0 {
		return retry.Fatal
	}
	if common.IsTimeout(err) {
		return retry.Transient
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return retry.Transient
	}
	return retry.Fatal
}
