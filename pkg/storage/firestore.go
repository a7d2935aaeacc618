package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Everything lives under a single root document so several
// daemons can share a database by using different collections.
type FirestoreProvider struct {
	client     *firestore.Client
	projectID  string
	database   string
	collection string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	collection := lflag.String("firestore-collection", "chargerudder", "Root Firestore collection")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.collection = *collection

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.collection == "" {
		return errors.New("firestore-collection is required")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(name string) *firestore.CollectionRef {
	return f.client.Collection(f.collection).Doc("state").Collection(name)
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.getCollection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	jsonStr, err := jsonField(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid settings doc", slog.Any("error", err))
		return types.Settings{}, 0, fmt.Errorf("invalid settings document: %w", err)
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.Any("error", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.getCollection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SaveSession stores the vehicle session token in the "config/session" document.
func (f *FirestoreProvider) SaveSession(ctx context.Context, token types.SessionToken) error {
	_, err := f.getCollection("config").Doc("session").Set(ctx, map[string]interface{}{
		"token":   []byte(token),
		"updated": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// LoadSession reads the vehicle session token.
func (f *FirestoreProvider) LoadSession(ctx context.Context) (types.SessionToken, error) {
	doc, err := f.getCollection("config").Doc("session").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch session doc: %w", err)
	}
	val, err := doc.DataAt("token")
	if err != nil {
		return nil, fmt.Errorf("session document missing 'token' field: %w", err)
	}
	b, ok := val.([]byte)
	if !ok {
		return nil, errors.New("session 'token' field is not bytes")
	}
	return types.SessionToken(b), nil
}

// UpsertPrice adds or updates a price record in the "price_history" collection.
// The document ID is the RFC3339 timestamp for efficient range queries.
func (f *FirestoreProvider) UpsertPrice(ctx context.Context, quote types.PriceQuote) error {
	jsonBytes, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}

	_, err = f.getCollection("price_history").Doc(priceDocID(quote.Timestamp)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": quote.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// GetPriceHistory retrieves price records in [start, end) ordered by time.
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceQuote, error) {
	coll := f.getCollection("price_history")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(priceDocID(start))).
		Where(firestore.DocumentID, "<", coll.Doc(priceDocID(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var quotes []types.PriceQuote
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating prices: %w", err)
		}

		jsonStr, err := jsonField(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid price doc", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
			return nil, fmt.Errorf("invalid price document %s: %w", doc.Ref.ID, err)
		}

		var q types.PriceQuote
		if err := json.Unmarshal([]byte(jsonStr), &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal price (id=%s): %w", doc.Ref.ID, err)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func jsonField(doc *firestore.DocumentSnapshot) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		return "", fmt.Errorf("missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return "", errors.New("'json' field is not a string")
	}
	return jsonStr, nil
}
