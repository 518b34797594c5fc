// Package trailing computes swing-based trailing stops from the
// normalized bar CSV feed (spec.md §4.7). It reads the feed via
// reverse tail, never a full scan, and applies strict fail-loud (schema
// mismatch) / fail-closed (missing or empty file) policies rather than
// silently activating on bad input.
package trailing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/position"
	"github.com/web3guy0/peakrunner/internal/tailread"
)

// expectedHeader is the exact, ordered CSV v2 schema (spec.md §6).
var expectedHeader = []string{
	"Timestamp", "Trades", "TotalQty", "AvgSize", "BuyQty", "SellQty",
	"AvgPrice", "ClosePrice", "HiPrice", "LowPrice",
}

// Bar is one parsed CSV row.
type Bar struct {
	Timestamp time.Time
	ClosePrice decimal.Decimal
	HiPrice   decimal.Decimal
	LowPrice  decimal.Decimal
}

// ErrSchemaMismatch is returned when the CSV header does not match the
// v2 schema exactly; this is fatal for the trailing engine (fail-loud).
type ErrSchemaMismatch struct {
	Got []string
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("trailing: bar feed schema mismatch, got header %v", e.Got)
}

// ReadBars reads the last n bars from the CSV at path via reverse tail.
// A missing or empty file returns (nil, nil): fail-closed, callers must
// not activate trailing. A header that doesn't match v2 returns
// ErrSchemaMismatch: fail-loud, callers must treat this as fatal.
func ReadBars(path string, n int) ([]Bar, error) {
	lines, err := tailread.LastLines(path, n+1) // +1 to allow for header on small files
	if err != nil {
		return nil, fmt.Errorf("trailing: read bar feed: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil // fail-closed: missing/empty file
	}

	// The header only appears if the tail read reached file start.
	// Detect it by checking whether the first field of the first line
	// parses as a timestamp; if not, treat it as the header and
	// validate it.
	start := 0
	if !looksLikeTimestampRow(lines[0]) {
		got := strings.Split(lines[0], ",")
		if !headerMatches(got) {
			return nil, &ErrSchemaMismatch{Got: got}
		}
		start = 1
	}

	bars := make([]Bar, 0, len(lines)-start)
	for _, line := range lines[start:] {
		bar, err := parseBar(line)
		if err != nil {
			return nil, fmt.Errorf("trailing: parse bar row: %w", err)
		}
		bars = append(bars, bar)
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

func looksLikeTimestampRow(line string) bool {
	fields := strings.Split(line, ",")
	if len(fields) == 0 {
		return false
	}
	_, err := time.Parse(time.RFC3339, fields[0])
	return err == nil
}

func headerMatches(got []string) bool {
	if len(got) != len(expectedHeader) {
		return false
	}
	for i, h := range expectedHeader {
		if strings.TrimSpace(got[i]) != h {
			return false
		}
	}
	return true
}

func parseBar(line string) (Bar, error) {
	fields := strings.Split(line, ",")
	if len(fields) != len(expectedHeader) {
		return Bar{}, fmt.Errorf("expected %d fields, got %d: %q", len(expectedHeader), len(fields), line)
	}
	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return Bar{}, fmt.Errorf("bad timestamp %q: %w", fields[0], err)
	}
	closePrice, err := decimal.NewFromString(fields[7])
	if err != nil {
		return Bar{}, fmt.Errorf("bad close price %q: %w", fields[7], err)
	}
	hi, err := decimal.NewFromString(fields[8])
	if err != nil {
		return Bar{}, fmt.Errorf("bad hi price %q: %w", fields[8], err)
	}
	low, err := decimal.NewFromString(fields[9])
	if err != nil {
		return Bar{}, fmt.Errorf("bad low price %q: %w", fields[9], err)
	}
	return Bar{Timestamp: ts, ClosePrice: closePrice, HiPrice: hi, LowPrice: low}, nil
}

// SwingStop finds the most recent fractal swing extreme and returns the
// desired stop price: swing_low - buffer for LONG, swing_high + buffer
// for SHORT. ok is false if no valid swing point exists within the
// given window/radius (spec.md §4.7).
func SwingStop(bars []Bar, side position.Side, lookback, radius int, buffer decimal.Decimal) (stop decimal.Decimal, ok bool) {
	if lookback <= 0 || radius <= 0 || lookback <= 2*radius {
		return decimal.Zero, false
	}
	window := bars
	if len(window) > lookback {
		window = window[len(window)-lookback:]
	}
	L := len(window)
	if L <= 2*radius {
		return decimal.Zero, false
	}

	// Search from the most recent eligible index backward for the
	// first (i.e. latest) swing point, scanning i from L-r-1 down to r.
	for i := L - radius - 1; i >= radius; i-- {
		if isSwingPoint(window, i, radius, side) {
			if side == position.Long {
				return window[i].LowPrice.Sub(buffer), true
			}
			return window[i].HiPrice.Add(buffer), true
		}
	}
	return decimal.Zero, false
}

func isSwingPoint(window []Bar, i, radius int, side position.Side) bool {
	if side == position.Long {
		center := window[i].LowPrice
		for j := i - radius; j < i; j++ {
			if !center.LessThan(window[j].LowPrice) {
				return false
			}
		}
		for j := i + 1; j <= i+radius; j++ {
			if !center.LessThan(window[j].LowPrice) {
				return false
			}
		}
		return true
	}

	center := window[i].HiPrice
	for j := i - radius; j < i; j++ {
		if !center.GreaterThan(window[j].HiPrice) {
			return false
		}
	}
	for j := i + 1; j <= i+radius; j++ {
		if !center.GreaterThan(window[j].HiPrice) {
			return false
		}
	}
	return true
}

// ConfirmByClose reports whether the most recent bar's close has
// crossed ref by at least confirmBuffer in the favorable direction,
// the optional bar-close confirmation gate before activating a
// trailing stop move (spec.md §4.7).
func ConfirmByClose(bars []Bar, side position.Side, ref, confirmBuffer decimal.Decimal) bool {
	if len(bars) == 0 {
		return false
	}
	last := bars[len(bars)-1].ClosePrice
	if side == position.Long {
		return last.GreaterThanOrEqual(ref.Add(confirmBuffer))
	}
	return last.LessThanOrEqual(ref.Sub(confirmBuffer))
}
