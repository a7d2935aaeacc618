package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Database defines the interface for persisting settings, the vehicle
// session and price history.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Session
	SaveSession(ctx context.Context, token types.SessionToken) error
	// LoadSession returns a nil token if no session was saved.
	LoadSession(ctx context.Context) (types.SessionToken, error)

	// Prices
	// UpsertPrice adds or updates a price record keyed by its timestamp.
	UpsertPrice(ctx context.Context, quote types.PriceQuote) error
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceQuote, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite, firestore)")

	var p struct{ Database }

	sq := configuredSQLite()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

func priceDocID(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
