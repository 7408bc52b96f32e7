package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
)

func TestDefaultConfigYAMLRoundTripsThroughViper(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.MaxRate = "25MB"
		d.PortRange = "40000:40100"
	})
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("generated yaml does not parse: %v", err)
	}
	if decoded["port-range"] != "40000:40100" {
		t.Fatalf("port-range %v", decoded["port-range"])
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	viper.Reset()
	t.Cleanup(viper.Reset)
	newRootCommand(pslog.NoopLogger())
	viper.Set("config", path)
	if got, err := loadConfigFile(); err != nil || got != path {
		t.Fatalf("load config: %q %v", got, err)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.MaxRate != 25_000_000 || cfg.Ports().Lower != 40000 {
		t.Fatalf("config file not applied: rate %d ports %+v", cfg.MaxRate, cfg.Ports())
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	_, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}
