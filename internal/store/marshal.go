package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/worldsim/internal/canon"
)

// marshalJSON converts v to canonical JSON TEXT for storage.
func marshalJSON(what string, v any) (string, error) {
	data, err := canon.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(data), nil
}

// unmarshalJSON parses stored JSON TEXT into dst. Empty text leaves dst untouched.
func unmarshalJSON(what, data string, dst any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// callRow is one tool call extracted from a canonical trace.
type callRow struct {
	seq    int64
	tool   string
	stage  string
	err    string
	input  any
	output any
}

// callRows reads the "calls" list of a canonical trace map. It accepts both
// in-memory traces and traces decoded from JSON.
func callRows(trace map[string]any) []callRow {
	list, _ := trace["calls"].([]any)
	rows := make([]callRow, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := callRow{seq: int64(i + 1), input: entry["input"], output: entry["output"]}
		switch seq := entry["seq"].(type) {
		case int64:
			row.seq = seq
		case int:
			row.seq = int64(seq)
		case float64:
			row.seq = int64(seq)
		}
		row.tool, _ = entry["tool"].(string)
		row.stage, _ = entry["stage"].(string)
		row.err, _ = entry["error"].(string)
		rows = append(rows, row)
	}
	return rows
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
