// Package config provides configuration loading for stripefs components.
//
// Configuration is loaded from a single file specified by:
//   - STRIPEFS_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Command-line flags
// take precedence over the config file for any field they set
// explicitly; the config file fills in the rest.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a stripefs deployment. A
// single file can describe both halves since a test or development
// setup often runs the server and the client from the same file.
type Config struct {
	// Server configures a storage node listener.
	Server ServerConfig `yaml:"server"`

	// Client configures a FUSE mount.
	Client ClientConfig `yaml:"client"`
}

// ServerConfig configures a storage node.
type ServerConfig struct {
	// Port is the TCP port the node listens on.
	// Default: 9000
	Port int `yaml:"port"`

	// StorageRoot is the directory chunk files are written under.
	StorageRoot string `yaml:"storage_root"`

	// LogFile is where the server writes its log. Empty means stderr.
	LogFile string `yaml:"log_file"`

	// DiagSocket is the Unix socket path for the diagnostics listener.
	// Empty disables it.
	DiagSocket string `yaml:"diag_socket"`
}

// ClientConfig configures a FUSE mount backed by a stripe of servers.
type ClientConfig struct {
	// MountPoint is the directory the filesystem is mounted at.
	MountPoint string `yaml:"mount_point"`

	// LocalRoot is a local directory used for metadata operations
	// (readdir, lookup, getattr) that do not cross the network.
	LocalRoot string `yaml:"local_root"`

	// Servers lists the "host:port" addresses of the storage nodes,
	// in stripe order. The last address is the parity node.
	Servers []string `yaml:"servers"`

	// LogFile is where the client writes its log. Empty means stderr.
	LogFile string `yaml:"log_file"`

	// DiagSocket is the Unix socket path for the diagnostics listener.
	// Empty disables it.
	DiagSocket string `yaml:"diag_socket"`
}

// Default returns the default configuration. These defaults ensure
// every field has a sensible zero value; they exist as a base to load
// a config file on top of, not as a substitute for one.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "stripefs")

	return &Config{
		Server: ServerConfig{
			Port:        9000,
			StorageRoot: filepath.Join(defaultRoot, "storage"),
		},
		Client: ClientConfig{
			MountPoint: filepath.Join(defaultRoot, "mnt"),
			LocalRoot:  filepath.Join(defaultRoot, "local"),
		},
	}
}

// Load loads configuration from the path named by the STRIPEFS_CONFIG
// environment variable. There is no fallback: if the variable is
// unset, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("STRIPEFS_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("STRIPEFS_CONFIG environment variable not set; " +
			"set it to the path of your stripefs.yaml config file, or use --config")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applying
// variable expansion to path fields afterward.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields, drawing first from a small set of derived variables and
// falling back to the process environment.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Server.StorageRoot = expandVars(c.Server.StorageRoot, vars)
	c.Server.LogFile = expandVars(c.Server.LogFile, vars)
	c.Server.DiagSocket = expandVars(c.Server.DiagSocket, vars)

	c.Client.MountPoint = expandVars(c.Client.MountPoint, vars)
	c.Client.LocalRoot = expandVars(c.Client.LocalRoot, vars)
	c.Client.LogFile = expandVars(c.Client.LogFile, vars)
	c.Client.DiagSocket = expandVars(c.Client.DiagSocket, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ValidateServer checks that the fields a server launch needs are
// present.
func (c *Config) ValidateServer() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.StorageRoot == "" {
		errs = append(errs, fmt.Errorf("server.storage_root is required"))
	}

	return errors.Join(errs...)
}

// ValidateClient checks that the fields a client mount needs are
// present.
func (c *Config) ValidateClient() error {
	var errs []error

	if c.Client.MountPoint == "" {
		errs = append(errs, fmt.Errorf("client.mount_point is required"))
	}
	if c.Client.LocalRoot == "" {
		errs = append(errs, fmt.Errorf("client.local_root is required"))
	}
	if len(c.Client.Servers) < 1 {
		errs = append(errs, fmt.Errorf("client.servers must list at least one storage node"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the directories the configuration references,
// if they do not already exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Server.StorageRoot,
		c.Client.MountPoint,
		c.Client.LocalRoot,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
