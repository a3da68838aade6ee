package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithoutTuningFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if s.MaxInstances != 10 || s.Port != "4501" {
		t.Errorf("Load() without a tuning file = %+v, want defaults", s)
	}
}

func TestLoadAppliesTuningFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	data := []byte("max_instances: 25\nidle_timeout: 10m\n")
	if err := os.WriteFile(filepath.Join(dir, TuningFileName), data, 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if s.MaxInstances != 25 {
		t.Errorf("MaxInstances = %d, want 25", s.MaxInstances)
	}
	if s.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %v, want 10m", s.IdleTimeout)
	}
}

func TestLoadEnvOverridesTuningFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	data := []byte("max_instances: 25\n")
	if err := os.WriteFile(filepath.Join(dir, TuningFileName), data, 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "9000")
	t.Setenv("MAX_INSTANCES", "3")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if s.Port != "9000" {
		t.Errorf("Port = %q, want %q", s.Port, "9000")
	}
	if s.MaxInstances != 3 {
		t.Errorf("MaxInstances = %d, want 3 (env overrides file)", s.MaxInstances)
	}
	if len(s.AllowedOrigins) != 2 || s.AllowedOrigins[0] != "https://a.example" || s.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v, want [https://a.example https://b.example]", s.AllowedOrigins)
	}
}

func TestLoadRejectsCorruptTuningFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, TuningFileName), []byte(": : not yaml :::"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error for genuinely malformed YAML")
	}
}
