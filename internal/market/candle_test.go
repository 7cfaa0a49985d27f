package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(ts ...int64) []Candle {
	out := make([]Candle, len(ts))
	for i, t := range ts {
		out[i] = Candle{CloseTime: t, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1}
	}
	return out
}

func TestValidateSeries(t *testing.T) {
	assert.NoError(t, ValidateSeries(series(1000, 2000, 3000)))
}

func TestValidateSeriesFailures(t *testing.T) {
	cases := map[string][]Candle{
		"empty":         {},
		"zero ts":       {{CloseTime: 0, Open: 1, High: 1, Low: 1, Close: 1}},
		"duplicate ts":  series(1000, 1000),
		"decreasing ts": series(2000, 1000),
		"zero close": {
			{CloseTime: 1000, Open: 100, High: 101, Low: 99, Close: 0, Volume: 1},
		},
		"negative volume": {
			{CloseTime: 1000, Open: 100, High: 101, Low: 99, Close: 100, Volume: -1},
		},
		"high below low": {
			{CloseTime: 1000, Open: 100, High: 98, Low: 99, Close: 100, Volume: 1},
		},
	}
	for name, candles := range cases {
		err := ValidateSeries(candles)
		require.Error(t, err, name)
		assert.True(t, IsDataError(err), name)
	}
}

func TestDetectGaps(t *testing.T) {
	candles := series(1000, 2000, 5000, 6000, 9000)
	gaps := DetectGaps(candles, 1000)
	require.Len(t, gaps, 2)
	assert.Equal(t, Gap{FromTS: 2000, ToTS: 5000, Bars: 2}, gaps[0])
	assert.Equal(t, Gap{FromTS: 6000, ToTS: 9000, Bars: 2}, gaps[1])

	assert.Nil(t, DetectGaps(series(1000, 2000, 3000), 1000))
	assert.Nil(t, DetectGaps(candles, 0))
}

func TestInferStep(t *testing.T) {
	assert.Equal(t, int64(1000), InferStep(series(1000, 2000, 5000, 6000)))
	assert.Equal(t, int64(0), InferStep(series(1000)))
	assert.Equal(t, int64(0), InferStep(nil))
}

func TestIsDataError(t *testing.T) {
	assert.True(t, IsDataError(NewDataError("bad %d", 7)))
	assert.False(t, IsDataError(assert.AnError))
	assert.False(t, IsDataError(nil))
}
