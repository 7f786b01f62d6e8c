// Package config holds the tunables spec §6 requires every queue
// implementation to accept at construction, loadable from a YAML file
// the way the retrieval pack's service configs are (gopkg.in/yaml.v3
// struct tags), with Defaults standing in when no file is given.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tunables is the full set of construction-time knobs shared across the
// ladder queue, the skip-list PQ, and the MT three-tier scheduler.
// Field-level defaults mirror spec §6's table exactly.
type Tunables struct {
	// MaxRungs bounds ladder depth before the deepest rung is forced to
	// flush into Bottom regardless of size.
	MaxRungs int `yaml:"max_rungs"`

	// Thresh is the rung-subdivision trigger: a rung's front bucket
	// subdivides into a new rung once it holds more than Thresh events.
	Thresh int `yaml:"thresh"`

	// T2K is the number of hash(sender)-indexed sub-buckets per
	// TwoTierBucket.
	T2K int `yaml:"t2k"`

	// MinBucketWidth floors a computed ladder bucket width so that a
	// degenerate (max_ts == min_ts) span never yields a zero-width
	// bucket.
	MinBucketWidth float64 `yaml:"min_bucket_width"`

	// NumLevels caps skip-list node height.
	NumLevels int `yaml:"num_levels"`

	// MaxOffset is the run length of logically-deleted head nodes that
	// triggers a skip-list restructure; must stay >= worker count.
	MaxOffset int `yaml:"max_offset"`
}

// Defaults returns spec §6's table verbatim.
func Defaults() Tunables {
	return Tunables{
		MaxRungs:       8,
		Thresh:         50,
		T2K:            32,
		MinBucketWidth: 0.01,
		NumLevels:      32,
		MaxOffset:      8,
	}
}

// Load reads a YAML file at path, starting from Defaults so a config
// file only needs to name the tunables it overrides.
func Load(path string) (Tunables, error) {
	t := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return t, nil
}

// Validate reports the first tunable that cannot produce a working
// queue: spec §6 calls out max_offset must be at least the worker
// count, and every fanout/width knob must be positive.
func (t Tunables) Validate(workerCount int) error {
	switch {
	case t.MaxRungs <= 0:
		return fmt.Errorf("config: max_rungs must be positive, got %d", t.MaxRungs)
	case t.Thresh <= 0:
		return fmt.Errorf("config: thresh must be positive, got %d", t.Thresh)
	case t.T2K <= 0:
		return fmt.Errorf("config: t2k must be positive, got %d", t.T2K)
	case t.MinBucketWidth <= 0:
		return fmt.Errorf("config: min_bucket_width must be positive, got %f", t.MinBucketWidth)
	case t.NumLevels <= 0:
		return fmt.Errorf("config: num_levels must be positive, got %d", t.NumLevels)
	case t.MaxOffset < workerCount:
		return fmt.Errorf("config: max_offset (%d) must be >= worker count (%d)", t.MaxOffset, workerCount)
	}
	return nil
}
