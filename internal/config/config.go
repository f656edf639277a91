package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"meshcall/native/internal/domain"
	"meshcall/native/internal/participant"
	"meshcall/native/internal/peer"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the account credentials and endpoints.
type Config struct {
	Token     string
	Identity  domain.PeerID
	SignalURL string
	APIURL    string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		Token:     os.Getenv("MESHCALL_TOKEN"),
		Identity:  domain.PeerID(os.Getenv("MESHCALL_IDENTITY")),
		SignalURL: os.Getenv("MESHCALL_SIGNAL_URL"),
		APIURL:    os.Getenv("MESHCALL_API_URL"),
	}
	for name, v := range map[string]string{
		"MESHCALL_TOKEN":      cfg.Token,
		"MESHCALL_IDENTITY":   string(cfg.Identity),
		"MESHCALL_SIGNAL_URL": cfg.SignalURL,
		"MESHCALL_API_URL":    cfg.APIURL,
	} {
		if v == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}
	return cfg, nil
}

// Tunables are the optional engine settings read from a YAML file.
type Tunables struct {
	MaxAverageBitrate     int           `yaml:"maxAverageBitrate"`
	GatherOnceSettleDelay time.Duration `yaml:"gatherOnceSettleDelay"`
	ConnectingTimeout     time.Duration `yaml:"connectingTimeout"`
	MaxReconnectAttempts  int           `yaml:"maxReconnectAttempts"`
	RingingTimeout        time.Duration `yaml:"ringingTimeout"`
	GatheringPolicy       string        `yaml:"gatheringPolicy"`
	SignalPingInterval    time.Duration `yaml:"signalPingInterval"`
	MetricsAddr           string        `yaml:"metricsAddr"`
	// Contacts are identities reachable directly over the secure channel.
	Contacts []string `yaml:"contacts"`
}

func DefaultTunables() Tunables {
	p := participant.DefaultSettings()
	return Tunables{
		MaxAverageBitrate:     p.Peer.MaxAverageBitrate,
		GatherOnceSettleDelay: p.Peer.SettleDelay,
		ConnectingTimeout:     p.ConnectingTimeout,
		MaxReconnectAttempts:  p.MaxReconnectAttempts,
		RingingTimeout:        time.Minute,
		GatheringPolicy:       domain.GatherContinually.String(),
		SignalPingInterval:    20 * time.Second,
	}
}

// LoadTunables overlays the YAML file at path on the defaults. An empty path
// returns the defaults. Unknown keys are rejected.
func LoadTunables(path string) (Tunables, error) {
	t := DefaultTunables()
	if path == "" {
		return t, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("open tunables: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return Tunables{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return Tunables{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func (t Tunables) validate() error {
	if t.MaxAverageBitrate < 0 {
		return fmt.Errorf("maxAverageBitrate must not be negative")
	}
	if t.MaxReconnectAttempts < 1 {
		return fmt.Errorf("maxReconnectAttempts must be at least 1")
	}
	if t.ConnectingTimeout <= 0 {
		return fmt.Errorf("connectingTimeout must be positive")
	}
	if _, err := domain.ParseGatheringPolicy(t.GatheringPolicy); err != nil {
		return err
	}
	return nil
}

// Policy returns the configured gathering policy.
func (t Tunables) Policy() domain.GatheringPolicy {
	p, err := domain.ParseGatheringPolicy(t.GatheringPolicy)
	if err != nil {
		return domain.GatherContinually
	}
	return p
}

func (t Tunables) ParticipantSettings() participant.Settings {
	return participant.Settings{
		ConnectingTimeout:    t.ConnectingTimeout,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		Peer: peer.Settings{
			MaxAverageBitrate: t.MaxAverageBitrate,
			SettleDelay:       t.GatherOnceSettleDelay,
		},
	}
}
