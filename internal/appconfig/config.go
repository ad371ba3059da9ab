package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Rushilwiz/director4/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	SitesRoot     string           `mapstructure:"sites_root" yaml:"sites_root"`
	StateDir      string           `mapstructure:"state_dir" yaml:"state_dir"`
	Images        ImagesConfig     `mapstructure:"images" yaml:"images"`
	Runtime       RuntimeConfig    `mapstructure:"runtime" yaml:"runtime"`
	HTTP          HTTPConfig       `mapstructure:"http" yaml:"http"`
	Database      DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Quota         QuotaConfig      `mapstructure:"quota" yaml:"quota"`
	Supervisor    SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ImagesConfig controls the base image catalog and build settings.
type ImagesConfig struct {
	Default      string            `mapstructure:"default" yaml:"default"`
	Bases        map[string]string `mapstructure:"bases" yaml:"bases"`
	BuildTimeout int               `mapstructure:"build_timeout_minutes" yaml:"build_timeout_minutes"`
}

// RuntimeConfig configures the container runtime and build backends.
type RuntimeConfig struct {
	Containerd  ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
	BuildKit    BuildKitConfig   `mapstructure:"buildkit" yaml:"buildkit"`
	PullTimeout int              `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
}

// ContainerdConfig configures the containerd endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// BuildKitConfig configures the BuildKit endpoint.
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DatabaseConfig configures the credential broker's admin connection
// and the endpoint handed out to site processes.
type DatabaseConfig struct {
	AdminDSN string `mapstructure:"admin_dsn" yaml:"admin_dsn"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	TTLHours int    `mapstructure:"ttl_hours" yaml:"ttl_hours"`
}

// QuotaConfig sets the platform default resource caps.
type QuotaConfig struct {
	MemoryBytes int64 `mapstructure:"memory_bytes" yaml:"memory_bytes"`
	NanoCPUs    int64 `mapstructure:"nano_cpus" yaml:"nano_cpus"`
}

// SupervisorConfig tunes the per-site process supervisor.
type SupervisorConfig struct {
	IssueAttempts         int    `mapstructure:"issue_attempts" yaml:"issue_attempts"`
	IssueBackoffMS        int    `mapstructure:"issue_backoff_ms" yaml:"issue_backoff_ms"`
	SampleIntervalSeconds int    `mapstructure:"sample_interval_seconds" yaml:"sample_interval_seconds"`
	StopTimeoutSeconds    int    `mapstructure:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
	MountDir              string `mapstructure:"mount_dir" yaml:"mount_dir"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	uid := os.Getuid()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", uid))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		SitesRoot:     filepath.Join(home, ".director", "sites"),
		StateDir:      filepath.Join(home, ".director", "state"),
		Images: ImagesConfig{
			Default: "debian:13",
			Bases: map[string]string{
				"debian:13":    "docker.io/library/debian:13",
				"ubuntu:24.04": "docker.io/library/ubuntu:24.04",
				"alpine:3.22":  "docker.io/library/alpine:3.22",
			},
			BuildTimeout: 20,
		},
		Runtime: RuntimeConfig{
			Containerd: ContainerdConfig{
				Address:   fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace: "director",
			},
			BuildKit: BuildKitConfig{
				Address: "",
			},
			PullTimeout: 5,
		},
		HTTP: HTTPConfig{
			Addr: ":27500",
		},
		Database: DatabaseConfig{
			AdminDSN: "",
			Endpoint: "localhost:5432",
			TTLHours: 24,
		},
		Quota: QuotaConfig{
			MemoryBytes: schema.DefaultMemoryBytes,
			NanoCPUs:    schema.DefaultNanoCPUs,
		},
		Supervisor: SupervisorConfig{
			IssueAttempts:         3,
			IssueBackoffMS:        500,
			SampleIntervalSeconds: 2,
			StopTimeoutSeconds:    30,
			MountDir:              "/site",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".director", "config.yaml"), nil
}
