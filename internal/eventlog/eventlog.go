// Package eventlog implements the output JSONL event log (spec.md
// §6): one line per observable event, append-then-cap rotation at
// LOG_MAX_LINES. Every state transition and error the tick produces is
// expected to pass through here.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is one output log line. Fields beyond the mandatory three are
// carried in Context and flattened into the JSON object at write time.
type Event struct {
	Ts      time.Time      `json:"ts"`
	Source  string         `json:"source"`
	Action  string         `json:"action"`
	Context map[string]any `json:"-"`
}

// MarshalJSON flattens Context alongside the mandatory fields.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Context)+3)
	for k, v := range e.Context {
		m[k] = v
	}
	m["ts"] = e.Ts.UTC().Format(time.RFC3339)
	m["source"] = e.Source
	m["action"] = e.Action
	return json.Marshal(m)
}

// Log appends events to a capped JSONL file.
type Log struct {
	path    string
	maxLines int
}

// New builds a Log at path, capped to maxLines.
func New(path string, maxLines int) *Log {
	return &Log{path: path, maxLines: maxLines}
}

// Append writes action with context fields, stamped with now, then
// enforces the LOG_MAX_LINES cap via append-then-cap rotation.
// Append-then-cap is deliberately not atomic-rename-based like the
// state store: event log writes are best-effort telemetry, not
// integrity-critical, so a failure here is logged and swallowed
// (spec.md §7 housekeeping classification) rather than retried.
func (l *Log) Append(action, source string, now time.Time, context map[string]any) {
	evt := Event{Ts: now, Source: source, Action: action, Context: context}
	line, err := json.Marshal(evt)
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("eventlog: marshal failed")
		return
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("eventlog: open failed")
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Msg("eventlog: write failed")
	}
	f.Close()

	if err := l.capToMaxLines(); err != nil {
		log.Warn().Err(err).Msg("eventlog: cap rotation failed")
	}
}

// capToMaxLines truncates the file to its last maxLines lines when it
// exceeds that count.
func (l *Log) capToMaxLines() error {
	if l.maxLines <= 0 {
		return nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("eventlog: open for cap: %w", err)
	}
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("eventlog: scan for cap: %w", err)
	}

	if len(lines) <= l.maxLines {
		return nil
	}
	lines = lines[len(lines)-l.maxLines:]

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".eventlog-*.tmp")
	if err != nil {
		return fmt.Errorf("eventlog: create temp: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: flush temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: rename temp: %w", err)
	}
	return nil
}
