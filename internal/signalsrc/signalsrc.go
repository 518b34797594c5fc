// Package signalsrc reads PEAK entry signals from the append-only
// JSONL signal log (spec.md §6). The log is read-only and tail-only:
// this package never writes to it and never scans it in full.
package signalsrc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/dedup"
	"github.com/web3guy0/peakrunner/internal/position"
	"github.com/web3guy0/peakrunner/internal/tailread"
)

// Signal is one parsed PEAK line. Unknown actions are ignored by the
// caller before construction, so Action is always "PEAK" here.
type Signal struct {
	Action string          `json:"action"`
	Ts     time.Time       `json:"ts"`
	Kind   string          `json:"kind"` // "long" | "short"
	Price  decimal.Decimal `json:"price"`
	raw    string
}

// Side converts the signal's kind string to a position.Side.
func (s Signal) Side() position.Side {
	if strings.EqualFold(s.Kind, "short") {
		return position.Short
	}
	return position.Long
}

type rawSignal struct {
	Action string  `json:"action"`
	Ts     string  `json:"ts"`
	Kind   string  `json:"kind"`
	Price  float64 `json:"price"`
}

// ParseLine parses one JSONL line into a Signal. Lines whose "action"
// is not "PEAK" return (Signal{}, false, nil): ignored, not an error
// (spec.md §6: "unknown actions are ignored").
func ParseLine(line string) (Signal, bool, error) {
	var raw rawSignal
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Signal{}, false, fmt.Errorf("signalsrc: parse line: %w", err)
	}
	if raw.Action != "PEAK" {
		return Signal{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339, raw.Ts)
	if err != nil {
		return Signal{}, false, fmt.Errorf("signalsrc: parse ts %q: %w", raw.Ts, err)
	}
	return Signal{
		Action: raw.Action,
		Ts:     ts,
		Kind:   raw.Kind,
		Price:  decimal.NewFromFloat(raw.Price),
		raw:    line,
	}, true, nil
}

// Source reads the freshest unseen PEAK signal from path.
type Source struct {
	path          string
	tailLines     int
	priceDecimals int32
	maxAge        time.Duration
}

// New builds a Source reading the last tailLines lines from path.
func New(path string, tailLines int, priceDecimals int32, maxAge time.Duration) *Source {
	return &Source{path: path, tailLines: tailLines, priceDecimals: priceDecimals, maxAge: maxAge}
}

// Latest returns the freshest PEAK signal not already present in seen,
// or ok=false if none qualifies (no lines, all seen, all too old, or
// all unparseable). Malformed lines are skipped, not fatal: the signal
// log is an external, append-only feed the consumer does not control.
func (s *Source) Latest(seen *dedup.Set, now time.Time) (sig Signal, key string, ok bool) {
	lines, err := tailread.LastLines(s.path, s.tailLines)
	if err != nil || len(lines) == 0 {
		return Signal{}, "", false
	}

	for i := len(lines) - 1; i >= 0; i-- {
		parsed, isPeak, err := ParseLine(lines[i])
		if err != nil || !isPeak {
			continue
		}
		if s.maxAge > 0 && now.Sub(parsed.Ts) > s.maxAge {
			continue
		}
		k := dedup.Key("PEAK", string(parsed.Side()), parsed.Ts, parsed.Price, s.priceDecimals)
		if seen.Seen(k) {
			continue
		}
		return parsed, k, true
	}
	return Signal{}, "", false
}
