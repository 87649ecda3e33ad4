package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Values come from an optional YAML file
// with TD_* environment variables taking precedence.
type Config struct {
	Bind       string
	CORSOrigin string
	LogLevel   zerolog.Level

	// StateDir holds job records, checkpoints and checksum manifests.
	StateDir string

	// ComposeRoots are searched for compose projects during discovery.
	ComposeRoots []string
	// DataRoots are candidate writable paths reported by the prober.
	DataRoots []string

	// SSH defaults used when a host reference carries no explicit values.
	SSHUser    string
	SSHPort    int
	SSHKeyPath string
	SSHTimeout time.Duration

	// MaxTransferring bounds simultaneously transferring jobs system-wide.
	MaxTransferring int
	// VolumeWorkers bounds parallel volume transfers within one job.
	VolumeWorkers int
	// TransferRetries bounds retry attempts for transient transfer errors.
	TransferRetries int

	// SnapshotRetention keeps released rollback snapshots around for this
	// long before the sweeper destroys them. Zero destroys on release.
	SnapshotRetention time.Duration

	MetricsEnabled bool
}

type fileConfig struct {
	HTTP struct {
		Bind string `yaml:"bind"`
	} `yaml:"http"`
	CORS struct {
		Origin string `yaml:"origin"`
	} `yaml:"cors"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	State struct {
		Dir string `yaml:"dir"`
	} `yaml:"state"`
	Discovery struct {
		ComposeRoots []string `yaml:"composeRoots"`
		DataRoots    []string `yaml:"dataRoots"`
	} `yaml:"discovery"`
	SSH struct {
		User    string `yaml:"user"`
		Port    int    `yaml:"port"`
		KeyPath string `yaml:"keyPath"`
		Timeout string `yaml:"timeout"`
	} `yaml:"ssh"`
	Transfer struct {
		MaxTransferring int `yaml:"maxTransferring"`
		VolumeWorkers   int `yaml:"volumeWorkers"`
		Retries         int `yaml:"retries"`
	} `yaml:"transfer"`
	Snapshots struct {
		Retention string `yaml:"retention"`
	} `yaml:"snapshots"`
	Metrics struct {
		// Pointer so an explicit false in the file beats the default.
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Defaults mirror the original deployment layout on an Unraid-style host.
func defaults() Config {
	return Config{
		Bind:              "127.0.0.1:8080",
		LogLevel:          zerolog.InfoLevel,
		StateDir:          "/var/lib/transdock",
		ComposeRoots:      []string{"/mnt/cache/compose"},
		DataRoots:         []string{"/mnt/cache/appdata", "/mnt/cache/compose"},
		SSHUser:           "root",
		SSHPort:           22,
		SSHTimeout:        30 * time.Second,
		MaxTransferring:   2,
		VolumeWorkers:     3,
		TransferRetries:   5,
		SnapshotRetention: 0,
		MetricsEnabled:    true,
	}
}

// Load reads the YAML file at path (missing file is fine) and then applies
// environment overrides.
func Load(path string) Config {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		var f fileConfig
		if yaml.Unmarshal(data, &f) == nil {
			if f.HTTP.Bind != "" {
				cfg.Bind = f.HTTP.Bind
			}
			if f.CORS.Origin != "" {
				cfg.CORSOrigin = f.CORS.Origin
			}
			if f.Logging.Level != "" {
				if l, err := zerolog.ParseLevel(f.Logging.Level); err == nil {
					cfg.LogLevel = l
				}
			}
			if f.State.Dir != "" {
				cfg.StateDir = f.State.Dir
			}
			if len(f.Discovery.ComposeRoots) > 0 {
				cfg.ComposeRoots = f.Discovery.ComposeRoots
			}
			if len(f.Discovery.DataRoots) > 0 {
				cfg.DataRoots = f.Discovery.DataRoots
			}
			if f.SSH.User != "" {
				cfg.SSHUser = f.SSH.User
			}
			if f.SSH.Port > 0 {
				cfg.SSHPort = f.SSH.Port
			}
			if f.SSH.KeyPath != "" {
				cfg.SSHKeyPath = f.SSH.KeyPath
			}
			if d, err := time.ParseDuration(f.SSH.Timeout); err == nil && d > 0 {
				cfg.SSHTimeout = d
			}
			if f.Transfer.MaxTransferring > 0 {
				cfg.MaxTransferring = f.Transfer.MaxTransferring
			}
			if f.Transfer.VolumeWorkers > 0 {
				cfg.VolumeWorkers = f.Transfer.VolumeWorkers
			}
			if f.Transfer.Retries > 0 {
				cfg.TransferRetries = f.Transfer.Retries
			}
			if d, err := time.ParseDuration(f.Snapshots.Retention); err == nil {
				cfg.SnapshotRetention = d
			}
			if f.Metrics.Enabled != nil {
				cfg.MetricsEnabled = *f.Metrics.Enabled
			}
		}
	}

	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TD_HTTP_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := os.Getenv("TD_CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
	if v := os.Getenv("TD_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v := os.Getenv("TD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("TD_SSH_USER"); v != "" {
		cfg.SSHUser = v
	}
	if v := os.Getenv("TD_SSH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.SSHPort = p
		}
	}
	if v := os.Getenv("TD_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if v := os.Getenv("TD_SSH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SSHTimeout = d
		}
	}
	if v := os.Getenv("TD_MAX_TRANSFERRING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTransferring = n
		}
	}
	if v := os.Getenv("TD_VOLUME_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.VolumeWorkers = n
		}
	}
	if v := os.Getenv("TD_TRANSFER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TransferRetries = n
		}
	}
	if v := os.Getenv("TD_SNAPSHOT_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SnapshotRetention = d
		}
	}
	if v := os.Getenv("TD_METRICS"); v != "" {
		cfg.MetricsEnabled = v == "1" || v == "true"
	}
}
