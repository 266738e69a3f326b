package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/voxlink/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Audio     Audio     `json:"audio"`
	Storage   Storage   `json:"storage"`
}

type Identity struct {
	// ParticipantID is the stable application-level identity used for message
	// addressing and initiator election. Generated on first run if empty.
	ParticipantID string `json:"participant_id"`

	// KeyFile holds the libp2p identity key (pubsub transport only).
	KeyFile string `json:"key_file"`
}

type Signaling struct {
	// Transport selects the signaling backend: "pubsub" (serverless libp2p
	// gossipsub) or "relay" (websocket relay server).
	Transport string `json:"transport"`

	// ListenPort for the libp2p host. 0 = random port.
	ListenPort int `json:"listen_port"`

	MdnsTag string `json:"mdns_tag"`

	// StaticPeers are multiaddrs dialed at startup so two pubsub nodes can
	// find each other across LAN boundaries. Optional.
	StaticPeers []string `json:"static_peers"`

	// RelayURL is the websocket relay endpoint (relay transport only).
	// Example: ws://127.0.0.1:8790/ws
	RelayURL string `json:"relay_url"`

	// RelayBind is the listen address when running `voxlink relay`.
	RelayBind string `json:"relay_bind"`
}

type Call struct {
	// STUNServers passed to the peer connection for address discovery.
	STUNServers []string `json:"stun_servers"`

	// GraceDelayMs is how long the initiator waits after announcing ready
	// before sending the offer anyway. A ready from the remote side cuts the
	// wait short.
	GraceDelayMs int `json:"grace_delay_ms"`

	// MeterIntervalMs is the audio-level sampling interval for UI meters.
	MeterIntervalMs int `json:"meter_interval_ms"`

	// AllowRecvOnly lets a call proceed receive-only when the microphone
	// cannot be acquired. Off by default: acquisition failure aborts the call.
	AllowRecvOnly bool `json:"allow_recv_only"`

	// TraceSize is the capacity of the signaling trace ring buffer.
	TraceSize int `json:"trace_size"`
}

type Audio struct {
	SampleRate   int `json:"sample_rate"`
	ChannelCount int `json:"channel_count"`
}

type Storage struct {
	// DataDir holds the call-history database. Relative to the peer directory.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			ParticipantID: "",
			KeyFile:       "data/identity.key",
		},
		Signaling: Signaling{
			Transport:  "pubsub",
			ListenPort: 0,
			MdnsTag:    "voxlink-mdns",
			RelayURL:   "",
			RelayBind:  "127.0.0.1:8790",
		},
		Call: Call{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			GraceDelayMs:    2000,
			MeterIntervalMs: 100,
			AllowRecvOnly:   false,
			TraceSize:       200,
		},
		Audio: Audio{
			SampleRate:   48000,
			ChannelCount: 1,
		},
		Storage: Storage{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if c.Identity.ParticipantID != "" {
		if _, err := util.ValidateParticipantID(c.Identity.ParticipantID); err != nil {
			return fmt.Errorf("identity.participant_id: %w", err)
		}
	}

	// Signaling
	switch c.Signaling.Transport {
	case "pubsub":
		if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
			return errors.New("signaling.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Signaling.MdnsTag) == "" {
			return errors.New("signaling.mdns_tag is required")
		}
	case "relay":
		if err := validateRelayURL(c.Signaling.RelayURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("signaling.transport must be \"pubsub\" or \"relay\", got %q", c.Signaling.Transport)
	}

	// Call
	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must list at least one server")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("call.stun_servers entry %q must use stun: or stuns: scheme", s)
		}
	}
	if c.Call.GraceDelayMs < 0 {
		return errors.New("call.grace_delay_ms must be >= 0")
	}
	if c.Call.MeterIntervalMs <= 0 {
		return errors.New("call.meter_interval_ms must be > 0")
	}
	if c.Call.TraceSize <= 0 {
		return errors.New("call.trace_size must be > 0")
	}

	// Audio
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be > 0")
	}
	if c.Audio.ChannelCount != 1 && c.Audio.ChannelCount != 2 {
		return errors.New("audio.channel_count must be 1 or 2")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	return nil
}

func validateRelayURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("signaling.relay_url is required for relay transport")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("signaling.relay_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signaling.relay_url must use ws:// or wss://, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("signaling.relay_url is missing a host")
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

// Ensure loads config if it exists; otherwise creates a default config file
// with a freshly generated participant ID. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ParticipantID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
