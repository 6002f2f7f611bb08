package main

import (
	"testing"

	"github.com/example/go-optest/internal/config"
)

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"run", "list", "validate", "catalog", "doctor", "history"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentConfigFlag(t *testing.T) {
	root := NewRootCmd()
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("expected --config persistent flag to be registered")
	}

	for _, name := range []string{"log-level", "log-format", "python", "history-path"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag", name)
		}
	}
}

func TestRunCmd_HasRunFlags(t *testing.T) {
	root := NewRootCmd()

	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"plan", "backend", "chip", "cases", "tags", "skip-tags", "priority-max", "list", "no-color", "report", "report-path", "cache", "fail-fast", "capture-golden"} {
		if run.Flags().Lookup(name) == nil {
			t.Errorf("run is missing --%s", name)
		}
	}
}

func TestSetupLogger_DoesNotPanic(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "not-a-level"} {
		setupLogger(config.LogConfig{Level: level})
	}
}

func TestRequireConfig(t *testing.T) {
	origCfg, origLoaded := activeCfg, loaded

	t.Cleanup(func() { activeCfg, loaded = origCfg, origLoaded })

	loaded = false

	if _, err := requireConfig(); err == nil {
		t.Fatal("expected error when config is not loaded")
	}

	activeCfg = config.Config{History: config.HistoryConfig{Path: "runs.sqlite"}}
	loaded = true

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig returned unexpected error: %v", err)
	}

	if got.History.Path != "runs.sqlite" {
		t.Errorf("History.Path = %q", got.History.Path)
	}
}
