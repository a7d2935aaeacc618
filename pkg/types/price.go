package types

import "time"

// PriceChannel distinguishes the consumption price from the export price.
type PriceChannel string

const (
	PriceChannelGeneral PriceChannel = "general"
	PriceChannelFeedIn  PriceChannel = "feedIn"
)

// PriceQuote is the price of electricity at a point in time.
type PriceQuote struct {
	Timestamp   time.Time    `json:"timestamp"`
	CentsPerKWH float64      `json:"centsPerKWH"`
	Channel     PriceChannel `json:"channel"`
	// Forecast is true if the quote is a predicted rather than settled price.
	Forecast bool `json:"forecast,omitempty"`
}

// LivePrices holds the current consumption and export prices.
type LivePrices struct {
	General *PriceQuote `json:"general,omitempty"`
	FeedIn  *PriceQuote `json:"feedIn,omitempty"`
}
