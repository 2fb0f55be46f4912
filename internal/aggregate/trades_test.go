package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/tamagoyaki/internal/models"
)

func TestFromTrades(t *testing.T) {
	at := func(ms int) time.Time { return day.Add(time.Duration(ms) * time.Millisecond) }

	trades := []models.Trade{
		{Timestamp: at(1500), Side: models.SideSell, Size: d("0.2"), Price: d("101")},
		{Timestamp: at(100), Side: models.SideBuy, Size: d("1"), Price: d("100")},
		{Timestamp: at(900), Side: models.SideSell, Size: d("0.5"), Price: d("99")},
		{Timestamp: at(4000), Side: models.SideBuy, Size: d("2"), Price: d("102")},
	}

	candles, err := FromTrades("BTCUSDT", trades)
	require.NoError(t, err)
	require.Len(t, candles, 3)

	first := candles[0]
	assert.Equal(t, day, first.Timestamp)
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.True(t, d("100").Equal(first.Open))
	assert.True(t, d("100").Equal(first.High))
	assert.True(t, d("99").Equal(first.Low))
	assert.True(t, d("99").Equal(first.Close))
	assert.True(t, d("1.5").Equal(first.Volume))
	assert.True(t, d("1").Equal(first.BuyVolume))
	assert.True(t, d("0.5").Equal(first.SellVolume))
	assert.Equal(t, int64(2), first.Trades)

	assert.Equal(t, day.Add(time.Second), candles[1].Timestamp)
	assert.Equal(t, day.Add(4*time.Second), candles[2].Timestamp)

	for _, c := range candles {
		assert.NoError(t, c.Validate())
	}

	// input slice is left untouched
	assert.Equal(t, at(1500), trades[0].Timestamp)
}

func TestFromTrades_Empty(t *testing.T) {
	candles, err := FromTrades("BTCUSDT", nil)
	require.NoError(t, err)
	assert.Empty(t, candles)
}

func TestFromTrades_InvalidTrade(t *testing.T) {
	_, err := FromTrades("BTCUSDT", []models.Trade{
		{Timestamp: day, Side: models.SideBuy, Size: d("1"), Price: d("0")},
	})
	assert.Error(t, err)
}
