package appconfig

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("sites_root", cfg.SitesRoot)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("images.default", cfg.Images.Default)
	v.SetDefault("images.bases", cfg.Images.Bases)
	v.SetDefault("images.build_timeout_minutes", cfg.Images.BuildTimeout)
	v.SetDefault("runtime.containerd.address", cfg.Runtime.Containerd.Address)
	v.SetDefault("runtime.containerd.namespace", cfg.Runtime.Containerd.Namespace)
	v.SetDefault("runtime.buildkit.address", cfg.Runtime.BuildKit.Address)
	v.SetDefault("runtime.pull_timeout_minutes", cfg.Runtime.PullTimeout)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("database.admin_dsn", cfg.Database.AdminDSN)
	v.SetDefault("database.endpoint", cfg.Database.Endpoint)
	v.SetDefault("database.ttl_hours", cfg.Database.TTLHours)
	v.SetDefault("quota.memory_bytes", cfg.Quota.MemoryBytes)
	v.SetDefault("quota.nano_cpus", cfg.Quota.NanoCPUs)
	v.SetDefault("supervisor.issue_attempts", cfg.Supervisor.IssueAttempts)
	v.SetDefault("supervisor.issue_backoff_ms", cfg.Supervisor.IssueBackoffMS)
	v.SetDefault("supervisor.sample_interval_seconds", cfg.Supervisor.SampleIntervalSeconds)
	v.SetDefault("supervisor.stop_timeout_seconds", cfg.Supervisor.StopTimeoutSeconds)
	v.SetDefault("supervisor.mount_dir", cfg.Supervisor.MountDir)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.IsSet("runtime.containerd.address") {
			return Config{}, fmt.Errorf("runtime.containerd.address is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("runtime.containerd.namespace") {
			return Config{}, fmt.Errorf("runtime.containerd.namespace is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.Images.Default != "" {
		if _, ok := cfg.Images.Bases[cfg.Images.Default]; !ok {
			return fmt.Errorf("images.default %q is not in images.bases", cfg.Images.Default)
		}
	}
	if cfg.Database.Endpoint != "" {
		if _, _, err := net.SplitHostPort(cfg.Database.Endpoint); err != nil {
			return fmt.Errorf("database.endpoint must be host:port: %w", err)
		}
	}
	if cfg.Quota.MemoryBytes < 0 || cfg.Quota.NanoCPUs < 0 {
		return fmt.Errorf("quota defaults must not be negative")
	}
	if cfg.Database.TTLHours <= 0 {
		return fmt.Errorf("database.ttl_hours must be positive")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.SitesRoot = expandEnv(cfg.SitesRoot)
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Runtime.Containerd.Address = expandEnv(cfg.Runtime.Containerd.Address)
	cfg.Runtime.BuildKit.Address = expandEnv(cfg.Runtime.BuildKit.Address)
	cfg.Database.AdminDSN = expandEnv(cfg.Database.AdminDSN)
	cfg.Supervisor.MountDir = expandEnv(cfg.Supervisor.MountDir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
