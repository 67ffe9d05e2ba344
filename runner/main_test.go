package main

import (
	"path/filepath"
	"testing"
)

func TestCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".monkci-runner")

	saved := runnerCredentials{
		RunnerID:    "runner_abc",
		AccessToken: "monkci_tok_xyz",
		Server:      "http://localhost:8080",
	}
	if err := saveCredentials(path, saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := loadCredentials(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != saved {
		t.Fatalf("expected %+v, got %+v", saved, loaded)
	}
}

func TestLoadCredentialsRejectsIncompleteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".monkci-runner")
	if err := saveCredentials(path, runnerCredentials{RunnerID: "runner_abc"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := loadCredentials(path); err == nil {
		t.Fatal("expected incomplete credentials rejected")
	}
	if _, err := loadCredentials(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected missing file rejected")
	}
}

func TestCollectSystemInfo(t *testing.T) {
	info := collectSystemInfo()
	for _, key := range []string{"hostname", "os", "arch", "cpus", "go_version"} {
		if info[key] == "" {
			t.Fatalf("expected %s populated, got %+v", key, info)
		}
	}
}
