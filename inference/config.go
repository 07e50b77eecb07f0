// Package inference runs the on-device fallback diagnosis: it loads the
// installed model artifact (weights file plus companion config), preprocesses
// a leaf image to the model's declared input shape, and maps the arg-max
// output class to disease metadata through the config's bundled class table.
//
// The tensor runtime is pluggable through the Interpreter interface; the
// built-in interpreter is a compact linear scorer over the flattened input,
// which keeps fully-offline diagnosis self-contained while allowing a real
// accelerator-backed runtime to be dropped in.
package inference

import (
	"encoding/json"
	"fmt"
	"os"
)

// ClassEntry is one row of the model's bundled class table: the disease
// metadata for one output index.
type ClassEntry struct {
	Index       int    `json:"index"`
	DiseaseID   string `json:"disease_id"`
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Symptoms    string `json:"symptoms"`
	Treatment   string `json:"treatment"`
	Prevention  string `json:"prevention"`
}

// UnknownClass is the placeholder entry returned when an output index is not
// present in the class table.
var UnknownClass = ClassEntry{
	Index:     -1,
	DiseaseID: "unknown",
	Name:      "Unknown",
	Label:     "unknown",
}

// ModelConfig is the companion configuration shipped alongside the weights
// file: input shape, per-channel normalization, and the class table.
type ModelConfig struct {
	InputWidth  int       `json:"input_width"`
	InputHeight int       `json:"input_height"`
	Channels    int       `json:"channels"`
	Mean        []float32 `json:"mean"` // per-channel
	Std         []float32 `json:"std"`  // per-channel

	Classes []ClassEntry `json:"classes"`
}

// LoadConfig reads and validates a model config file.
func LoadConfig(path string) (*ModelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	var cfg ModelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	if cfg.InputWidth <= 0 || cfg.InputHeight <= 0 {
		return nil, fmt.Errorf("model config declares invalid input shape %dx%d", cfg.InputWidth, cfg.InputHeight)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 3
	}
	if len(cfg.Mean) != cfg.Channels || len(cfg.Std) != cfg.Channels {
		return nil, fmt.Errorf("model config normalization arrays must have %d entries", cfg.Channels)
	}
	for i, s := range cfg.Std {
		if s == 0 {
			return nil, fmt.Errorf("model config std[%d] is zero", i)
		}
	}
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("model config has an empty class table")
	}
	return &cfg, nil
}

// ClassByIndex looks up the class table entry for an output index, falling
// back to UnknownClass when the index is not recognized.
func (c *ModelConfig) ClassByIndex(idx int) ClassEntry {
	for _, e := range c.Classes {
		if e.Index == idx {
			return e
		}
	}
	return UnknownClass
}

// InputLen is the flattened input tensor length.
func (c *ModelConfig) InputLen() int {
	return c.InputWidth * c.InputHeight * c.Channels
}
