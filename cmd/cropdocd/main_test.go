package main

import (
	"path/filepath"
	"strings"
	"testing"
)

// testConfig returns a config pointing at throwaway directories.
func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	dir := t.TempDir()
	cfg.DataDir = dir
	cfg.ModelDir = filepath.Join(dir, "models")
	cfg.LogLevel = "panic"
	return cfg
}

// TestRunRate_UnknownDiagnosisErrors verifies rating an id the store does
// not hold fails cleanly.
func TestRunRate_UnknownDiagnosisErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiagnosisID = "ghost"
	cfg.Stars = 4

	err := runRate(cfg)
	if err == nil {
		t.Fatal("runRate accepted an unknown diagnosis id")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("error = %v, want a not-found error", err)
	}
}

// TestRunRate_ValidatesStars verifies the star range is enforced before any
// store access.
func TestRunRate_ValidatesStars(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiagnosisID = "any"

	for _, stars := range []int{0, -1, 6} {
		cfg.Stars = stars
		if err := runRate(cfg); err == nil {
			t.Fatalf("runRate accepted %d stars", stars)
		}
	}
}
