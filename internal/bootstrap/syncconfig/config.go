// Package syncconfig resolves the daemon configuration from defaults, an
// optional YAML file and SYNCD_* environment overrides, in that order.
package syncconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"audioplayer/syncd/internal/app"
	"audioplayer/syncd/internal/relay"
)

// Config is everything cmd/syncd needs to assemble the daemon.
type Config struct {
	DataDir     string
	MetricsAddr string
	RPCAddr     string
	Relay       relay.Config
	Sync        app.Config
}

func Default() Config {
	return Config{
		DataDir: "data",
		Relay:   relay.DefaultConfig(),
		Sync:    app.DefaultConfig(),
	}
}

// fileConfig mirrors the YAML layout. Scalars use zero-means-unset and
// booleans would use pointers; absent keys never clobber defaults.
type fileConfig struct {
	DataDir     string          `yaml:"dataDir"`
	MetricsAddr string          `yaml:"metricsAddr"`
	RPCAddr     string          `yaml:"rpcAddr"`
	Relays      fileRelayConfig `yaml:"relays"`
	Sync        fileSyncConfig  `yaml:"sync"`
}

type fileRelayConfig struct {
	URLs           []string      `yaml:"urls"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	QueryTimeout   time.Duration `yaml:"queryTimeout"`
}

type fileSyncConfig struct {
	Debounce      time.Duration `yaml:"debounce"`
	GraceWindow   time.Duration `yaml:"graceWindow"`
	PublishEvery  time.Duration `yaml:"publishEvery"`
	PublishBurst  int           `yaml:"publishBurst"`
	NoticeBacklog int           `yaml:"noticeBacklog"`
}

// LoadFromPath reads the first usable config file and layers it over the
// defaults. An explicit path wins; otherwise the well-known candidates are
// tried. Unreadable or unparsable files are skipped, not fatal: the daemon
// must come up with defaults on a fresh machine.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/syncd.yaml",
			"/etc/syncd/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src fileConfig) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if src.RPCAddr != "" {
		dst.RPCAddr = src.RPCAddr
	}
	if src.Relays.URLs != nil {
		dst.Relay.Relays = src.Relays.URLs
	}
	if src.Relays.DialTimeout != 0 {
		dst.Relay.DialTimeout = src.Relays.DialTimeout
	}
	if src.Relays.PublishTimeout != 0 {
		dst.Relay.PublishTimeout = src.Relays.PublishTimeout
	}
	if src.Relays.QueryTimeout != 0 {
		dst.Relay.QueryTimeout = src.Relays.QueryTimeout
	}
	if src.Sync.Debounce != 0 {
		dst.Sync.Debounce = src.Sync.Debounce
	}
	if src.Sync.GraceWindow != 0 {
		dst.Sync.GraceWindow = src.Sync.GraceWindow
	}
	if src.Sync.PublishEvery != 0 {
		dst.Sync.PublishEvery = src.Sync.PublishEvery
	}
	if src.Sync.PublishBurst != 0 {
		dst.Sync.PublishBurst = src.Sync.PublishBurst
	}
	if src.Sync.NoticeBacklog != 0 {
		dst.Sync.NoticeBacklog = src.Sync.NoticeBacklog
	}
	dst.Sync.GraceWindow = graceFloor(dst.Sync.GraceWindow)
}

// ApplyEnvOverrides lets deploys tweak the hot knobs without a file.
func ApplyEnvOverrides(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv("SYNCD_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if addr := strings.TrimSpace(os.Getenv("SYNCD_METRICS_ADDR")); addr != "" {
		cfg.MetricsAddr = addr
	}
	if addr := strings.TrimSpace(os.Getenv("SYNCD_RPC_ADDR")); addr != "" {
		cfg.RPCAddr = addr
	}
	if raw := strings.TrimSpace(os.Getenv("SYNCD_RELAYS")); raw != "" {
		var urls []string
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			cfg.Relay.Relays = urls
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SYNCD_DEBOUNCE")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Sync.Debounce = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SYNCD_GRACE_WINDOW")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Sync.GraceWindow = graceFloor(d)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SYNCD_PUBLISH_BURST")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Sync.PublishBurst = n
		}
	}
}

// graceFloor keeps the takeover grace window at least as long as one relay
// round trip, otherwise a device's own publish echo can demote it.
func graceFloor(d time.Duration) time.Duration {
	const min = 2 * time.Second
	if d > 0 && d < min {
		return min
	}
	return d
}
