// Package containerd implements sandbox.Runtime against a local
// containerd daemon.
package containerd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/Rushilwiz/director4/internal/sandbox"
	"pkt.systems/pslog"
)

const (
	labelManaged          = "director.managed"
	defaultLogBufferBytes = 128 * 1024
)

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	PullTimeout time.Duration
}

// Runtime implements sandbox.Runtime using containerd.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration

	logsMu sync.Mutex
	logs   map[string]*logCapture
}

// New constructs a containerd runtime, trying fallback socket paths if
// the configured address is unreachable.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	addresses := candidateAddresses(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("containerd connect attempt", "address", addr)
		client, err := containerd.New(addr)
		if err == nil {
			namespace := cfg.Namespace
			if namespace == "" {
				namespace = "director"
			}
			timeout := cfg.PullTimeout
			if timeout == 0 {
				timeout = 5 * time.Minute
			}
			log.Info("containerd runtime ready", "address", addr, "namespace", namespace)
			return &Runtime{
				client:      client,
				namespace:   namespace,
				pullTimeout: timeout,
				logs:        make(map[string]*logCapture),
			}, nil
		}
		log.Warn("containerd connect failed", "address", addr, "err", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	return nil, lastErr
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		return false, errors.New("image is required")
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.GetImage(ctx, image); err == nil {
		return true, nil
	} else if errdefs.IsNotFound(err) {
		return false, nil
	} else {
		return false, err
	}
}

// EnsureImage pulls the image if it is not available locally.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("containerd ensure image start")
	if _, err := r.ensureImage(ctx, image); err != nil {
		log.Warn("containerd ensure image failed", "err", err)
		return err
	}
	log.Info("containerd ensure image ok")
	return nil
}

func (r *Runtime) ensureImage(ctx context.Context, image string) (containerd.Image, error) {
	if strings.TrimSpace(image) == "" {
		return nil, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	img, err := r.client.GetImage(ctx, image)
	if err == nil {
		log.Debug("containerd image present")
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	log.Info("containerd image pull start")
	img, err = r.client.Pull(pullCtx, image, containerd.WithPullUnpack)
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok")
	return img, nil
}

// Launch creates and starts a fresh container for the spec, replacing
// any leftover container with the same name.
func (r *Runtime) Launch(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("containerd launch start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if err := r.removeByName(ctx, spec.Name); err != nil {
		log.Warn("containerd launch stale cleanup failed", "err", err)
		return nil, err
	}

	image, err := r.ensureImage(ctx, spec.Image)
	if err != nil {
		log.Warn("containerd launch image failed", "err", err)
		return nil, err
	}

	labels := mergeLabels(spec.Labels, map[string]string{labelManaged: "true"})
	specOpts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, r.specOptions(spec)...)
	container, err := r.client.NewContainer(ctx, spec.Name,
		containerd.WithImage(image),
		containerd.WithContainerLabels(labels),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		log.Warn("containerd create container failed", "err", err)
		return nil, err
	}

	logs := r.ensureLogCapture(spec.Name, spec.LogBufferBytes)
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, logs.stdout, logs.stderr)))
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		log.Warn("containerd task create failed", "err", err)
		return nil, err
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		log.Warn("containerd task start failed", "err", err)
		return nil, err
	}
	log.Info("containerd launch ok", "id", container.ID(), "pid", task.Pid())
	return &handle{name: spec.Name, id: container.ID(), pid: task.Pid()}, nil
}

// Wait returns a channel delivering the container's exit status.
func (r *Runtime) Wait(ctx context.Context, h sandbox.Handle) (<-chan sandbox.ExitStatus, error) {
	if h == nil {
		return nil, errors.New("container handle is required")
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		return nil, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, err
	}
	statusCh, err := task.Wait(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan sandbox.ExitStatus, 1)
	go func() {
		defer close(out)
		select {
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			code, exitedAt, err := status.Result()
			if err != nil {
				return
			}
			out <- sandbox.ExitStatus{Code: code, At: exitedAt}
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Stop terminates a running container task.
func (r *Runtime) Stop(ctx context.Context, h sandbox.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name())
	log.Info("containerd stop start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("containerd stop skipped", "reason", "not found")
			return nil
		}
		return err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("containerd stop skipped", "reason", "task not found")
			return nil
		}
		return err
	}
	_ = task.Kill(ctx, syscall.SIGTERM)
	waitCh, err := task.Wait(ctx)
	if err == nil {
		select {
		case <-waitCh:
		case <-time.After(10 * time.Second):
			_ = task.Kill(ctx, syscall.SIGKILL)
		case <-ctx.Done():
		}
	}
	_, _ = task.Delete(ctx, containerd.WithProcessKill)
	log.Info("containerd stop ok")
	return nil
}

// Remove deletes the container and its snapshot.
func (r *Runtime) Remove(ctx context.Context, h sandbox.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name())
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	err := r.removeByName(ctx, h.Name())
	if err != nil {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	log.Info("containerd remove ok")
	return nil
}

func (r *Runtime) removeByName(ctx context.Context, name string) error {
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	r.clearLogCapture(name)
	return nil
}

// UpdateResources adjusts the resource limits of a live container.
func (r *Runtime) UpdateResources(ctx context.Context, h sandbox.Handle, caps sandbox.ResourceCaps) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name())
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		return err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return err
	}
	if err := task.Update(ctx, containerd.WithResources(linuxResources(caps))); err != nil {
		log.Warn("containerd update resources failed", "err", err)
		return err
	}
	log.Info("containerd update resources ok", "memory_bytes", caps.MemoryBytes, "nano_cpus", caps.NanoCPUs)
	return nil
}

// Janitor stops and removes managed containers matching the selector.
func (r *Runtime) Janitor(ctx context.Context, spec sandbox.JanitorSpec) (int, error) {
	log := r.logger(ctx)
	log.Info("containerd janitor start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	containerList, err := r.client.Containers(ctx)
	if err != nil {
		log.Warn("containerd janitor failed", "err", err)
		return 0, err
	}
	removed := 0
	now := time.Now()
	for _, container := range containerList {
		info, err := container.Info(ctx)
		if err != nil {
			continue
		}
		if info.Labels[labelManaged] != "true" {
			continue
		}
		if !matchesLabels(info.Labels, spec.LabelSelector) {
			continue
		}
		if spec.MinAge > 0 && now.Sub(info.CreatedAt) < spec.MinAge {
			continue
		}
		if err := r.removeByName(ctx, info.ID); err == nil {
			removed++
		}
	}
	log.Info("containerd janitor ok", "removed", removed)
	return removed, nil
}

// TailLogs returns the last N captured output lines for a container.
func (r *Runtime) TailLogs(_ context.Context, h sandbox.Handle, limit int) ([]string, []string, error) {
	if h == nil {
		return nil, nil, errors.New("container handle is required")
	}
	if limit <= 0 {
		limit = 50
	}
	capture := r.getLogCapture(h.Name())
	if capture == nil {
		return nil, nil, errors.New("log capture unavailable")
	}
	return tailLines(capture.stdout.Snapshot(), limit), tailLines(capture.stderr.Snapshot(), limit), nil
}

func (r *Runtime) specOptions(spec sandbox.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{oci.WithEnv(flattenEnv(spec.Env))}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(mapMounts(spec.Mounts)))
	}
	if spec.ResourceCaps != nil {
		opts = append(opts, withResources(*spec.ResourceCaps))
	}
	return opts
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func mergeLabels(base map[string]string, extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func matchesLabels(labels map[string]string, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func mapMounts(mounts []sandbox.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, mount := range mounts {
		opts := []string{"rbind"}
		if mount.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		out = append(out, specs.Mount{
			Type:        "bind",
			Source:      mount.Source,
			Destination: mount.Target,
			Options:     opts,
		})
	}
	return out
}

func linuxResources(caps sandbox.ResourceCaps) *specs.LinuxResources {
	resources := &specs.LinuxResources{}
	if caps.MemoryBytes > 0 {
		limit := caps.MemoryBytes
		resources.Memory = &specs.LinuxMemory{Limit: &limit}
	}
	if caps.NanoCPUs > 0 {
		period := uint64(100000)
		quota := caps.NanoCPUs * int64(period) / 1_000_000_000
		resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	}
	return resources
}

func withResources(caps sandbox.ResourceCaps) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, spec *specs.Spec) error {
		if spec.Linux == nil {
			spec.Linux = &specs.Linux{}
		}
		spec.Linux.Resources = linuxResources(caps)
		return nil
	}
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = normalizeAddress(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(filepath.Join(runtimeDir, "containerd", "containerd.sock"))
	}
	add("/run/containerd/containerd.sock")
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "unix://")
	addr = strings.TrimPrefix(addr, "unix:")
	return addr
}

type handle struct {
	name string
	id   string
	pid  uint32
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
func (h *handle) Pid() uint32  { return h.pid }

func (r *Runtime) ensureLogCapture(name string, size int) *logCapture {
	if size <= 0 {
		size = defaultLogBufferBytes
	}
	r.logsMu.Lock()
	defer r.logsMu.Unlock()
	if capture, ok := r.logs[name]; ok {
		return capture
	}
	capture := &logCapture{
		stdout: newTailBuffer(size),
		stderr: newTailBuffer(size),
	}
	r.logs[name] = capture
	return capture
}

func (r *Runtime) getLogCapture(name string) *logCapture {
	r.logsMu.Lock()
	defer r.logsMu.Unlock()
	return r.logs[name]
}

func (r *Runtime) clearLogCapture(name string) {
	r.logsMu.Lock()
	defer r.logsMu.Unlock()
	delete(r.logs, name)
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}

type logCapture struct {
	stdout *tailBuffer
	stderr *tailBuffer
}

func tailLines(data []byte, limit int) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}
