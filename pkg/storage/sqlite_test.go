package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteProvider(t *testing.T) {
	ctx := context.Background()
	s := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, s.Validate())
	require.NoError(t, s.Init(ctx))
	defer s.Close()

	t.Run("Validate", func(t *testing.T) {
		assert.Error(t, NewSQLite("").Validate())
	})

	t.Run("Settings", func(t *testing.T) {
		got, version, err := s.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.Settings{}, got)

		mock := 7.5
		settings := types.Settings{
			DryRun:                    true,
			AutoMode:                  true,
			PriceThresholdCentsPerKWH: 12.5,
			MockPriceCentsPerKWH:      &mock,
			TargetSOC:                 80,
		}
		require.NoError(t, s.SetSettings(ctx, settings, 1))
		require.NoError(t, s.SetSettings(ctx, settings, types.CurrentSettingsVersion))

		got, version, err = s.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, settings, got)
	})

	t.Run("Session", func(t *testing.T) {
		token, err := s.LoadSession(ctx)
		require.NoError(t, err)
		assert.Nil(t, token)

		require.NoError(t, s.SaveSession(ctx, types.SessionToken("first")))
		require.NoError(t, s.SaveSession(ctx, types.SessionToken(`{"accessToken":"second"}`)))

		token, err = s.LoadSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.SessionToken(`{"accessToken":"second"}`), token)
	})

	t.Run("Prices", func(t *testing.T) {
		now := time.Now().Truncate(time.Second).UTC()
		p1 := types.PriceQuote{Timestamp: now.Add(-time.Hour), CentsPerKWH: 10, Channel: types.PriceChannelGeneral}
		p2 := types.PriceQuote{Timestamp: now, CentsPerKWH: 12, Channel: types.PriceChannelGeneral}
		old := types.PriceQuote{Timestamp: now.Add(-48 * time.Hour), CentsPerKWH: 30, Channel: types.PriceChannelGeneral}

		require.NoError(t, s.UpsertPrice(ctx, p2))
		require.NoError(t, s.UpsertPrice(ctx, p1))
		require.NoError(t, s.UpsertPrice(ctx, old))

		quotes, err := s.GetPriceHistory(ctx, now.Add(-24*time.Hour), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, quotes, 2)
		assert.True(t, quotes[0].Timestamp.Equal(p1.Timestamp))
		assert.Equal(t, 10.0, quotes[0].CentsPerKWH)
		assert.True(t, quotes[1].Timestamp.Equal(p2.Timestamp))

		t.Run("UpsertOverwrite", func(t *testing.T) {
			updated := p2
			updated.CentsPerKWH = 99
			require.NoError(t, s.UpsertPrice(ctx, updated))

			quotes, err := s.GetPriceHistory(ctx, now, now.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, quotes, 1)
			assert.Equal(t, 99.0, quotes[0].CentsPerKWH)
		})

		t.Run("EndExclusive", func(t *testing.T) {
			quotes, err := s.GetPriceHistory(ctx, now.Add(-time.Hour), now)
			require.NoError(t, err)
			require.Len(t, quotes, 1)
			assert.Equal(t, 10.0, quotes[0].CentsPerKWH)
		})
	})

	t.Run("Reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reopen.db")
		a := NewSQLite(path)
		require.NoError(t, a.Init(ctx))
		require.NoError(t, a.SaveSession(ctx, types.SessionToken("kept")))
		require.NoError(t, a.Close())

		b := NewSQLite(path)
		require.NoError(t, b.Init(ctx))
		defer b.Close()
		token, err := b.LoadSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.SessionToken("kept"), token)
	})
}
