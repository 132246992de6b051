package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/worldsim/internal/canon"
)

// ErrDigestMismatch is returned when a saved set was edited after it was written.
var ErrDigestMismatch = errors.New("scenario set digest mismatch")

// Set is a saved scenario list. Digest covers Task and Scenarios.
type Set struct {
	Task      string     `yaml:"task"`
	Digest    string     `yaml:"digest"`
	Scenarios []Scenario `yaml:"scenarios"`
}

// NewSet builds a set and computes its digest.
func NewSet(task string, scenarios []Scenario) (*Set, error) {
	s := &Set{Task: task, Scenarios: scenarios}
	d, err := s.computeDigest()
	if err != nil {
		return nil, err
	}
	s.Digest = d
	return s, nil
}

func (s *Set) computeDigest() (string, error) {
	list := make([]any, len(s.Scenarios))
	for i, sc := range s.Scenarios {
		entry := map[string]any{"id": sc.ID, "text": sc.Text}
		if len(sc.Vars) > 0 {
			entry["vars"] = sc.Vars
		}
		if sc.Persona != nil {
			entry["persona"] = map[string]any{
				"name":      sc.Persona.Name,
				"goal":      sc.Persona.Goal,
				"replies":   sc.Persona.Replies,
				"done_when": sc.Persona.DoneWhen,
			}
		}
		list[i] = entry
	}
	return canon.Digest(canon.DomainScenarioSet, map[string]any{"task": s.Task, "scenarios": list})
}

// LoadSet reads a set written by SaveSet. Unknown fields are rejected and
// the digest is verified.
func LoadSet(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario set: %w", err)
	}

	var s Set
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario set: %w", err)
	}

	want, err := s.computeDigest()
	if err != nil {
		return nil, err
	}
	if s.Digest != want {
		return nil, fmt.Errorf("%w: %s: file says %s, content hashes to %s", ErrDigestMismatch, path, s.Digest, want)
	}
	return &s, nil
}

// SaveSet writes s as YAML, creating parent directories as needed.
func SaveSet(path string, s *Set) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save scenario set: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode scenario set: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode scenario set: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save scenario set: %w", err)
	}
	return nil
}

// Cached serves scenarios from a saved set when one exists for the same task
// with enough entries, and otherwise generates with Source and saves the
// result to Path.
type Cached struct {
	Path   string
	Source Generator
	Logger *slog.Logger
}

// Generate implements Generator.
func (c Cached) Generate(ctx context.Context, task string, count int) ([]Scenario, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	set, err := LoadSet(c.Path)
	switch {
	case err == nil && set.Task == task && len(set.Scenarios) >= count:
		logger.Debug("using cached scenarios", "path", c.Path, "count", count)
		return Static(set.Scenarios).Generate(ctx, task, count)
	case err == nil:
		logger.Debug("cached scenarios do not match, regenerating", "path", c.Path)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	if c.Source == nil {
		return nil, fmt.Errorf("no cached scenarios at %s and no generator configured", c.Path)
	}
	scenarios, err := c.Source.Generate(ctx, task, count)
	if err != nil {
		return nil, err
	}
	fresh, err := NewSet(task, scenarios)
	if err != nil {
		return nil, err
	}
	if err := SaveSet(c.Path, fresh); err != nil {
		return nil, err
	}
	logger.Debug("saved scenarios", "path", c.Path, "count", len(scenarios))
	return scenarios, nil
}
