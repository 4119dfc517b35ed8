package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

// ICEServer mirrors one entry of the externally provided relay
// configuration.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	// APIURL is the base URL of the session-issuance service.
	APIURL string `mapstructure:"api_url"`
	// MatchURL is the websocket endpoint of the matchmaking service.
	MatchURL string `mapstructure:"match_url"`

	DefaultRegion string `mapstructure:"region"`
	Locale        string `mapstructure:"locale"`

	ICEServers []ICEServer `mapstructure:"ice_servers"`

	// NegotiationTimeout bounds a stalled calling/waiting state. Zero
	// disables the deadline, matching the historical behavior.
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`

	// DiagAddr is the loopback listen address of the diagnostics API.
	// Empty disables it.
	DiagAddr string `mapstructure:"diag_addr"`

	Mode string `mapstructure:"mode"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("api_url", "http://localhost:8000")
	v.SetDefault("match_url", "ws://localhost:8000/ws/match/")
	v.SetDefault("region", "GLOBAL")
	v.SetDefault("locale", "en")
	v.SetDefault("negotiation_timeout", "0s")
	v.SetDefault("diag_addr", "")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// fallbackSTUN is used when no relay configuration is provided; a
// STUN-only set is enough for directly reachable peers.
var fallbackSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// WebRTC converts the configured ICE server descriptors to a pion
// configuration, falling back to public STUN when the list is absent or
// holds no usable entry.
func (c *Config) WebRTC() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		entry := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			entry.Username = s.Username
			entry.Credential = s.Credential
		}
		servers = append(servers, entry)
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: fallbackSTUN}}
	}
	return webrtc.Configuration{ICEServers: servers}
}
