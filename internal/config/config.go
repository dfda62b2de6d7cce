// Package config loads the process-wide, immutable configuration record
// threaded through the endpoint and pubsub packages at construction. It
// follows a YAML-struct-plus-Load idiom, with a resolution order
// (explicit path, environment variable, ./config/ipc.yaml, then
// compiled-in default) modeled
// on cellorg's StandardConfigResolver.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProtocolVersion is the current, and only supported, envelope protocol
// version.
const ProtocolVersion = 1

// Config is the immutable configuration threaded into every endpoint and
// pubsub router constructed in a process.
type Config struct {
	IPCRoot    string        `yaml:"ipc_root"`
	PubSubRoot string        `yaml:"pubsub_root"`
	Group      string        `yaml:"group"`
	LogDir     string        `yaml:"log_dir"`
	Signer     SignerConfig  `yaml:"signer"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

// SignerConfig configures the default OpenPGP signer backend.
type SignerConfig struct {
	KeyringPath string `yaml:"keyring_path"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the compiled-in default configuration, rooted at the
// conventional system-wide IPC directory.
func Default() *Config {
	root := "/var/lib/toolbox/ipc"
	return &Config{
		IPCRoot:    root,
		PubSubRoot: filepath.Join(root, "pubsub"),
		Group:      "toolbox",
		LogDir:     "/var/log/toolbox/ipc",
		Signer:     SignerConfig{KeyringPath: defaultKeyringPath()},
		Metrics:    MetricsConfig{Listen: ":9400"},
	}
}

func defaultKeyringPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolbox/secring.gpg"
	}
	return filepath.Join(home, ".toolbox", "secring.gpg")
}

// Load reads and parses a YAML config file at path, filling any field the
// file omits from Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.PubSubRoot == "" {
		cfg.PubSubRoot = filepath.Join(cfg.IPCRoot, "pubsub")
	}
	return cfg, nil
}

// Resolve follows the AGEN-style config resolution order: an explicit path
// argument wins, then the TOOLBOX_IPC_CONFIG environment variable, then
// ./config/ipc.yaml, falling back to compiled-in defaults when none exist.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}

	if path := os.Getenv("TOOLBOX_IPC_CONFIG"); path != "" && fileExists(path) {
		return Load(path)
	}

	if path := filepath.Join("config", "ipc.yaml"); fileExists(path) {
		return Load(path)
	}

	return Default(), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
