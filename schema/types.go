package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SiteID identifies a hosted site.
type SiteID string

// DesiredState is the owner's intent for a site's process.
type DesiredState string

const (
	// DesiredRunning means the owner wants the site process up.
	DesiredRunning DesiredState = "running"
	// DesiredStopped means the owner wants the site process down.
	DesiredStopped DesiredState = "stopped"
)

// Site is the durable configuration record for one hosted site. The
// configuration store is the single source of truth for these fields;
// nothing else caches them for longer than one operation.
type Site struct {
	ID        SiteID         `json:"id"`
	Owner     string         `json:"owner"`
	BaseImage string         `json:"base_image"`
	Packages  []string       `json:"packages,omitempty"`
	Override  *QuotaOverride `json:"quota_override,omitempty"`
	Desired   DesiredState   `json:"desired_state"`
	Revision  uint64         `json:"revision"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ResourceQuota is the effective resource ceiling attached to a site
// process. Memory is a hard cap (breach kills the process), CPU is a
// soft cap (breach throttles).
type ResourceQuota struct {
	MemoryBytes int64 `json:"memory_bytes"`
	NanoCPUs    int64 `json:"nano_cpus"`
}

// QuotaOverride raises a site's quota above the platform default. It is
// only honored when it carries an approval record.
type QuotaOverride struct {
	MemoryBytes int64  `json:"memory_bytes,omitempty"`
	NanoCPUs    int64  `json:"nano_cpus,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`
}

// DefaultMemoryBytes is the platform default memory ceiling (100 MB).
const DefaultMemoryBytes int64 = 100 * 1024 * 1024

// DefaultNanoCPUs is the platform default CPU ceiling (one full CPU).
const DefaultNanoCPUs int64 = 1_000_000_000

// ImageBuildSpec is the content key for a built site environment: a
// resolved base image reference plus the ordered extra package list.
// Identical specs must resolve to the same built image.
type ImageBuildSpec struct {
	BaseImage string
	Packages  []string
}

// Key returns the content address of the spec. Package order is part of
// the key: installs are replayed in declared order.
func (s ImageBuildSpec) Key() string {
	h := sha256.New()
	h.Write([]byte(s.BaseImage))
	for _, pkg := range s.Packages {
		h.Write([]byte{0})
		h.Write([]byte(pkg))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ImageHandle names a built, ready-to-run site environment image.
type ImageHandle struct {
	Key string `json:"key"`
	Ref string `json:"ref"`
}

// RunScriptDir names which candidate directory the run script was found in.
type RunScriptDir string

const (
	// RunScriptMain is the site's top-level directory.
	RunScriptMain RunScriptDir = "main"
	// RunScriptPrivate is the site's private subdirectory.
	RunScriptPrivate RunScriptDir = "private"
	// RunScriptPublic is the site's public subdirectory.
	RunScriptPublic RunScriptDir = "public"
)

// RunScriptLocation is the resolved entry point for a site process.
type RunScriptLocation struct {
	Dir  RunScriptDir `json:"dir"`
	Path string       `json:"path"`
}

// ContainerPath maps the resolved host location onto the in-container
// site mount.
func (l RunScriptLocation) ContainerPath(mountDir, scriptName string) string {
	switch l.Dir {
	case RunScriptPrivate:
		return mountDir + "/private/" + scriptName
	case RunScriptPublic:
		return mountDir + "/public/" + scriptName
	default:
		return mountDir + "/" + scriptName
	}
}

// DatabaseCredential is a transient database capability issued per site
// per process start. It is injected only into the process environment,
// never persisted anywhere the owner can edit, and the endpoint must be
// treated as dynamic at every startup.
type DatabaseCredential struct {
	Endpoint string    `json:"endpoint"`
	Database string    `json:"database"`
	User     string    `json:"user"`
	Secret   string    `json:"-"`
	Expiry   time.Time `json:"expiry"`
}

// Env renders the credential as the environment variables handed to the
// site process.
func (c DatabaseCredential) Env() map[string]string {
	host := c.Endpoint
	port := "5432"
	if i := strings.LastIndex(c.Endpoint, ":"); i > 0 {
		host = c.Endpoint[:i]
		port = c.Endpoint[i+1:]
	}
	return map[string]string{
		"DIRECTOR_DATABASE_HOST":     host,
		"DIRECTOR_DATABASE_PORT":     port,
		"DIRECTOR_DATABASE_NAME":     c.Database,
		"DIRECTOR_DATABASE_USER":     c.User,
		"DIRECTOR_DATABASE_PASSWORD": c.Secret,
		"DIRECTOR_DATABASE_URL":      "postgres://" + c.User + ":" + c.Secret + "@" + c.Endpoint + "/" + c.Database,
	}
}

// Equal reports whether two credentials would let a site reach the same
// backing database the same way. Two issuances must never compare equal.
func (c DatabaseCredential) Equal(o DatabaseCredential) bool {
	return c.Endpoint == o.Endpoint && c.Database == o.Database && c.User == o.User && c.Secret == o.Secret
}

// ProcessState is the lifecycle state of a site's process.
type ProcessState string

const (
	// StateStopped means no process exists for the site.
	StateStopped ProcessState = "stopped"
	// StateStarting means the start sequence is in flight.
	StateStarting ProcessState = "starting"
	// StateRunning means the process is up.
	StateRunning ProcessState = "running"
	// StateCrashed means the process exited without an explicit stop.
	StateCrashed ProcessState = "crashed"
	// StateRestarting means an explicit restart is in flight.
	StateRestarting ProcessState = "restarting"
)

// ExitReason classifies why a process instance terminated.
type ExitReason string

const (
	// ReasonExited means the process exited on its own.
	ReasonExited ExitReason = "exited"
	// ReasonOutOfMemory means the runtime killed the process for
	// breaching its memory ceiling.
	ReasonOutOfMemory ExitReason = "out_of_memory"
	// ReasonStopped means the owner stopped the process.
	ReasonStopped ExitReason = "stopped"
)

// StartStage identifies the step of the start sequence responsible for
// a failure.
type StartStage string

const (
	// StageConfig is the configuration store read.
	StageConfig StartStage = "config"
	// StageImage is the image build/ensure step.
	StageImage StartStage = "image"
	// StageRunScript is run script resolution.
	StageRunScript StartStage = "run_script"
	// StageCredentials is database credential issuance.
	StageCredentials StartStage = "credentials"
	// StageQuota is quota resolution and attachment.
	StageQuota StartStage = "quota"
	// StageLaunch is the container launch itself.
	StageLaunch StartStage = "launch"
)

// ProcessInstance is a snapshot of one lifecycle occurrence of a site's
// process, owned exclusively by the supervisor.
type ProcessInstance struct {
	SiteID       SiteID       `json:"site_id"`
	InstanceID   string       `json:"instance_id,omitempty"`
	State        ProcessState `json:"state"`
	StartedAt    time.Time    `json:"started_at,omitzero"`
	ExitCode     int          `json:"exit_code,omitempty"`
	ExitReason   ExitReason   `json:"exit_reason,omitempty"`
	FailedStage  StartStage   `json:"failed_stage,omitempty"`
	Error        string       `json:"error,omitempty"`
	Revision     uint64       `json:"revision,omitempty"`
	NeedsRestart bool         `json:"needs_restart"`
	Usage        UsageSample  `json:"usage,omitzero"`
}

// UsageSample is one observation of a running process's resource usage.
type UsageSample struct {
	MemoryBytes   int64     `json:"memory_bytes"`
	MemoryLimit   int64     `json:"memory_limit"`
	OOMKills      uint64    `json:"oom_kills"`
	CPUUsageUsec  uint64    `json:"cpu_usage_usec"`
	ThrottledUsec uint64    `json:"throttled_usec"`
	At            time.Time `json:"at"`
}
