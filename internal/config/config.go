package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/parley/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Transport Transport `json:"transport"`
	Relay     Relay     `json:"relay"`
	Media     Media     `json:"media"`
	Recording Recording `json:"recording"`
	Calls     Calls     `json:"calls"`
	Log       Log       `json:"log"`
}

type Identity struct {
	// UserID is this peer's signaling address. Other peers dial it.
	UserID string `json:"user_id"`
	// KeyFile holds the libp2p identity key (p2p transport only).
	KeyFile string `json:"key_file"`
}

type Transport struct {
	// Mode selects the signal transport: "relay" (websocket relay server),
	// "p2p" (libp2p gossipsub), or "memory" (single process, tests/demos).
	Mode string `json:"mode"`

	// RelayURL is the relay server base URL, e.g. http://relay.example.org:8787.
	RelayURL string `json:"relay_url"`

	// ListenPort is the libp2p TCP port for p2p mode. 0 picks a free port.
	ListenPort int `json:"listen_port"`
}

type Relay struct {
	// Bind address for `parley relay`, e.g. "127.0.0.1:8787".
	Bind string `json:"bind"`

	// QueueCap bounds the per-user offline mailbox. Hot-reloadable.
	QueueCap int `json:"queue_cap"`
}

type Media struct {
	STUNURLs     []string `json:"stun_urls"`
	TURNURL      string   `json:"turn_url"`
	TURNUsername string   `json:"turn_username"`
	TURNPassword string   `json:"turn_password"`
}

type Recording struct {
	// S3URI enables recording upload, e.g. "s3://bucket/recordings".
	S3URI    string `json:"s3_uri"`
	S3Region string `json:"s3_region"`

	// Dir stores recordings on local disk when S3URI is empty. Relative to
	// the peer directory. Empty disables recording persistence.
	Dir string `json:"dir"`
}

type Calls struct {
	// AutoAccept answers every incoming call immediately. Headless peers
	// (kiosks, recording endpoints) run with this enabled.
	AutoAccept bool `json:"auto_accept"`
}

type Log struct {
	// Level for the ipfs/go-log subsystems: debug, info, warn, error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Transport: Transport{
			Mode:       "relay",
			RelayURL:   "http://127.0.0.1:8787",
			ListenPort: 0,
		},
		Relay: Relay{
			Bind:     "127.0.0.1:8787",
			QueueCap: 256,
		},
		Media: Media{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Recording: Recording{
			Dir: "data/recordings",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	userID, err := util.ValidateUserID(c.Identity.UserID)
	if err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	c.Identity.UserID = userID

	switch c.Transport.Mode {
	case "relay":
		if err := validateRelayURL(c.Transport.RelayURL); err != nil {
			return err
		}
	case "p2p":
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for p2p transport")
		}
		if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
			return errors.New("transport.listen_port must be 0..65535")
		}
	case "memory":
	default:
		return fmt.Errorf("transport.mode must be relay, p2p or memory (got %q)", c.Transport.Mode)
	}

	if strings.TrimSpace(c.Relay.Bind) == "" {
		return errors.New("relay.bind is required")
	}
	if c.Relay.QueueCap <= 0 {
		return errors.New("relay.queue_cap must be > 0")
	}

	if c.Recording.S3URI != "" {
		if !strings.HasPrefix(c.Recording.S3URI, "s3://") {
			return errors.New("recording.s3_uri must start with s3://")
		}
		if strings.TrimSpace(c.Recording.S3Region) == "" {
			return errors.New("recording.s3_region is required with recording.s3_uri")
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}

	return nil
}

func validateRelayURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("transport.relay_url is required for relay transport")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("transport.relay_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("transport.relay_url must use http(s) or ws(s)")
	}
	if u.Host == "" {
		return errors.New("transport.relay_url needs a host")
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
// Returns (cfg, createdNew, err). The generated default needs identity.user_id
// filled in before it validates.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
