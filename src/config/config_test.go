package config

import (
	"strings"
	"testing"
)

func TestLoadConfigHJSON(t *testing.T) {
	src := `
	{
	  # comments are allowed
	  Listen: ["0.0.0.0:9993", "[::]:9993"]
	  EnableRelay: true
	  LogLevel: debug
	}`
	cfg, err := LoadConfig([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Listen) != 2 || cfg.Listen[0] != "0.0.0.0:9993" {
		t.Fatalf("Listen = %v", cfg.Listen)
	}
	if !cfg.EnableRelay || cfg.LogLevel != "debug" {
		t.Fatal("fields not decoded")
	}
}

func TestGenerateThenLoadRoundtrip(t *testing.T) {
	cfg := GenerateConfig()
	cfg.EnableRelay = true
	b, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := LoadConfig(b)
	if err != nil {
		t.Fatal(err)
	}
	if !back.EnableRelay || len(back.Listen) != len(cfg.Listen) {
		t.Fatal("round-trip lost fields")
	}
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	if _, err := LoadConfig([]byte("{ unterminated")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTrustedPathValidation(t *testing.T) {
	cfg := GenerateConfig()
	cfg.TrustedPaths = []TrustedPathConfig{{Network: "10.0.0.1", ID: 0}}
	if _, err := cfg.ParseTrustedPaths(); err == nil || !strings.Contains(err.Error(), "nonzero") {
		t.Fatalf("zero trusted path ID accepted: %v", err)
	}
	cfg.TrustedPaths = []TrustedPathConfig{{Network: "10.0.0.1", ID: 42}}
	tps, err := cfg.ParseTrustedPaths()
	if err != nil || len(tps) != 1 || tps[0].ID != 42 {
		t.Fatalf("valid trusted path rejected: %v", err)
	}
}
