package trailing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/peakrunner/internal/position"
)

func writeCSV(t *testing.T, dir string, header bool, lows, his []float64) string {
	t.Helper()
	path := filepath.Join(dir, "bars.csv")
	var sb strings.Builder
	if header {
		sb.WriteString("Timestamp,Trades,TotalQty,AvgSize,BuyQty,SellQty,AvgPrice,ClosePrice,HiPrice,LowPrice\n")
	}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range lows {
		ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		fmt.Fprintf(&sb, "%s,10,1,1,0.5,0.5,%f,%f,%f,%f\n", ts, (lows[i]+his[i])/2, (lows[i]+his[i])/2, his[i], lows[i])
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o600))
	return path
}

func TestReadBarsMissingFileFailsClosed(t *testing.T) {
	bars, err := ReadBars(filepath.Join(t.TempDir(), "nope.csv"), 100)
	require.NoError(t, err)
	assert.Nil(t, bars)
}

func TestReadBarsSchemaMismatchFailsLoud(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bars.csv")
	require.NoError(t, os.WriteFile(path, []byte("Wrong,Header\n1,2\n"), 0o600))

	_, err := ReadBars(path, 10)
	require.Error(t, err)
	var mismatch *ErrSchemaMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestReadBarsParsesValidRows(t *testing.T) {
	dir := t.TempDir()
	lows := []float64{100, 99, 98, 97, 96}
	his := []float64{101, 100, 99, 98, 97}
	path := writeCSV(t, dir, true, lows, his)

	bars, err := ReadBars(path, 5)
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.True(t, bars[0].LowPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, bars[4].LowPrice.Equal(decimal.NewFromInt(96)))
}

func TestSwingStopFindsLongSwingLow(t *testing.T) {
	dir := t.TempDir()
	// a clean V shape: low dips to 90 at index 5, surrounded by higher lows
	lows := []float64{100, 99, 98, 97, 96, 90, 96, 97, 98, 99, 100}
	his := make([]float64, len(lows))
	for i, l := range lows {
		his[i] = l + 1
	}
	path := writeCSV(t, dir, true, lows, his)
	bars, err := ReadBars(path, len(lows))
	require.NoError(t, err)

	stop, ok := SwingStop(bars, position.Long, len(lows), 3, decimal.NewFromInt(1))
	require.True(t, ok)
	assert.True(t, stop.Equal(decimal.NewFromInt(89)), "expected swing_low(90) - buffer(1) = 89, got %s", stop)
}

func TestSwingStopNoQualifyingPoint(t *testing.T) {
	dir := t.TempDir()
	lows := []float64{100, 99, 98, 97, 96}
	his := []float64{101, 100, 99, 98, 97}
	path := writeCSV(t, dir, true, lows, his)
	bars, err := ReadBars(path, len(lows))
	require.NoError(t, err)

	_, ok := SwingStop(bars, position.Long, len(lows), 3, decimal.NewFromInt(1))
	assert.False(t, ok)
}

func TestConfirmByCloseLong(t *testing.T) {
	bars := []Bar{{ClosePrice: decimal.NewFromInt(105)}}
	assert.True(t, ConfirmByClose(bars, position.Long, decimal.NewFromInt(100), decimal.NewFromInt(5)))
	assert.False(t, ConfirmByClose(bars, position.Long, decimal.NewFromInt(100), decimal.NewFromInt(10)))
}
