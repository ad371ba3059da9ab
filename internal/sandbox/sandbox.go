// Package sandbox abstracts the container runtime and image builder the
// orchestrator drives. The supervisor composes these interfaces; the
// containerd and buildkit subpackages implement them.
package sandbox

import (
	"context"
	"time"
)

// Runtime manages site container lifecycles on the local node.
type Runtime interface {
	// EnsureImage makes the image available locally, pulling if needed.
	EnsureImage(ctx context.Context, image string) error
	// ImageExists reports local image presence without pulling.
	ImageExists(ctx context.Context, image string) (bool, error)
	// Launch creates and starts a fresh container for the spec. A
	// leftover container with the same name is removed first, so a
	// launch always replaces any prior instance.
	Launch(ctx context.Context, spec ContainerSpec) (Handle, error)
	// Wait returns a channel delivering the container's exit status.
	Wait(ctx context.Context, handle Handle) (<-chan ExitStatus, error)
	// Stop terminates the container process.
	Stop(ctx context.Context, handle Handle) error
	// Remove deletes the container and its snapshot.
	Remove(ctx context.Context, handle Handle) error
	// UpdateResources adjusts the resource limits of a live container.
	UpdateResources(ctx context.Context, handle Handle, caps ResourceCaps) error
	// Janitor stops and removes managed containers matching the spec.
	Janitor(ctx context.Context, spec JanitorSpec) (int, error)
}

// LogTailer is implemented by runtimes that capture container output.
type LogTailer interface {
	TailLogs(ctx context.Context, handle Handle, limit int) (stdout []string, stderr []string, err error)
}

// Builder builds container images.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) (BuildResult, error)
	// BuildWithEvents streams build progress; events may be nil.
	BuildWithEvents(ctx context.Context, spec BuildSpec, events chan<- BuildEvent) (BuildResult, error)
}

// Handle represents a created container.
type Handle interface {
	Name() string
	ID() string
	// Pid is the host pid of the container's init process, zero when
	// the task is gone.
	Pid() uint32
}

// ResourceCaps sets resource limits (0 means unlimited).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// Mount describes a host mount to place inside a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a site container.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	WorkingDir     string
	Mounts         []Mount
	Labels         map[string]string
	ResourceCaps   *ResourceCaps
	LogBufferBytes int
}

// ExitStatus reports a container process exit.
type ExitStatus struct {
	Code uint32
	At   time.Time
}

// BuildSpec describes a container image build.
type BuildSpec struct {
	ContextDir        string
	ContainerfileData []byte
	Tags              []string
	BuildArgs         map[string]string
	Timeout           time.Duration
}

// BuildResult captures build output metadata.
type BuildResult struct {
	ImageNames []string
}

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventVertexStarted marks a build step start.
	BuildEventVertexStarted BuildEventKind = "vertex_started"
	// BuildEventVertexCompleted marks a build step completion.
	BuildEventVertexCompleted BuildEventKind = "vertex_completed"
	// BuildEventLog carries build output.
	BuildEventLog BuildEventKind = "log"
	// BuildEventWarning carries a build warning.
	BuildEventWarning BuildEventKind = "warning"
)

// BuildEvent reports a build progress update.
type BuildEvent struct {
	Kind      BuildEventKind
	VertexID  string
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// JanitorSpec prunes managed containers.
type JanitorSpec struct {
	LabelSelector map[string]string
	MinAge        time.Duration
}
