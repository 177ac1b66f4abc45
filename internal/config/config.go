package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nearbychat/nearby/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Session  Session  `json:"session"`
	Profile  Profile  `json:"profile"`
	Feed     Feed     `json:"feed"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
	IDFile  string `json:"id_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Session struct {
	// Maximum simultaneous connected peers. Invitations above this are
	// rejected regardless of the acceptance policy.
	MaxPeers int `json:"max_peers"`

	// How long an outgoing invitation waits for an answer before it is
	// abandoned. There is no retry; callers re-invite.
	InviteTimeoutSec int `json:"invite_timeout_seconds"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

type Feed struct {
	// Local websocket feed address for external observers (e.g. ":8090").
	// Empty disables the feed.
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			IDFile:  "data/identity.json",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "nearby-mdns",
		},
		Presence: Presence{
			Topic:        "nearby.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Session: Session{
			MaxPeers:         8,
			InviteTimeoutSec: 30,
		},
		Profile: Profile{
			DisplayName: "anonymous",
		},
		Feed: Feed{
			HTTPAddr: "",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.IDFile) == "" {
		return errors.New("identity.id_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Session
	if c.Session.MaxPeers <= 0 {
		return errors.New("session.max_peers must be > 0")
	}
	if c.Session.InviteTimeoutSec <= 0 {
		return errors.New("session.invite_timeout_seconds must be > 0")
	}

	// Profile
	if _, err := util.ValidateDisplayName(c.Profile.DisplayName); err != nil {
		return fmt.Errorf("profile.display_name: %w", err)
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
