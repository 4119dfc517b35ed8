package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chdir switches to dir for the duration of the test, restoring the
// original working directory on cleanup. testing.T.Chdir needs Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://localhost:8000" {
		t.Fatalf("api_url = %q", cfg.APIURL)
	}
	if cfg.MatchURL != "ws://localhost:8000/ws/match/" {
		t.Fatalf("match_url = %q", cfg.MatchURL)
	}
	if cfg.DefaultRegion != "GLOBAL" || cfg.Locale != "en" {
		t.Fatalf("region/locale = %q/%q", cfg.DefaultRegion, cfg.Locale)
	}
	if cfg.NegotiationTimeout != 0 {
		t.Fatalf("negotiation_timeout = %v, want 0", cfg.NegotiationTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := `
api_url: https://api.example.test
match_url: wss://match.example.test/ws/match/
region: EU
negotiation_timeout: 30s
ice_servers:
  - urls: ["turn:turn.example.test:3478"]
    username: u
    credential: p
`
	if err := os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "https://api.example.test" {
		t.Fatalf("api_url = %q", cfg.APIURL)
	}
	if cfg.DefaultRegion != "EU" {
		t.Fatalf("region = %q", cfg.DefaultRegion)
	}
	if cfg.NegotiationTimeout != 30*time.Second {
		t.Fatalf("negotiation_timeout = %v", cfg.NegotiationTimeout)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "u" {
		t.Fatalf("ice_servers = %+v", cfg.ICEServers)
	}
}

func TestWebRTCFallbackSTUN(t *testing.T) {
	cfg := &Config{}
	rtc := cfg.WebRTC()
	if len(rtc.ICEServers) != 1 {
		t.Fatalf("servers = %d, want the fallback entry", len(rtc.ICEServers))
	}
	if len(rtc.ICEServers[0].URLs) != len(fallbackSTUN) {
		t.Fatalf("fallback urls = %v", rtc.ICEServers[0].URLs)
	}

	// Entries without URLs are unusable and fall through too.
	cfg = &Config{ICEServers: []ICEServer{{}}}
	if got := cfg.WebRTC().ICEServers[0].URLs[0]; got != fallbackSTUN[0] {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestWebRTCConfiguredServers(t *testing.T) {
	cfg := &Config{ICEServers: []ICEServer{{
		URLs:       []string{"turn:turn.example.test:3478"},
		Username:   "u",
		Credential: "p",
	}}}
	rtc := cfg.WebRTC()
	if len(rtc.ICEServers) != 1 {
		t.Fatalf("servers = %d", len(rtc.ICEServers))
	}
	s := rtc.ICEServers[0]
	if s.URLs[0] != "turn:turn.example.test:3478" || s.Username != "u" || s.Credential != "p" {
		t.Fatalf("server = %+v", s)
	}
}
