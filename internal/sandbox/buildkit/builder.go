// Package buildkit implements sandbox.Builder against a buildkitd
// daemon whose worker shares the containerd image store.
package buildkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"github.com/Rushilwiz/director4/internal/sandbox"
	"pkt.systems/pslog"
)

const defaultBuildTimeout = 20 * time.Minute

// Config configures the BuildKit builder.
type Config struct {
	Address string
}

// Builder implements sandbox.Builder using BuildKit.
type Builder struct {
	addresses []string
}

// New constructs a builder with fallback socket addresses.
func New(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image.
func (b *Builder) Build(ctx context.Context, spec sandbox.BuildSpec) (sandbox.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams progress events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec sandbox.BuildSpec, events chan<- sandbox.BuildEvent) (sandbox.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec sandbox.BuildSpec, events chan<- sandbox.BuildEvent) (sandbox.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "buildkit")
	if len(spec.Tags) == 0 {
		log.Warn("buildkit build rejected", "reason", "missing tags")
		return sandbox.BuildResult{}, errors.New("build tags are required")
	}
	if len(spec.ContainerfileData) == 0 {
		log.Warn("buildkit build rejected", "reason", "missing containerfile")
		return sandbox.BuildResult{}, errors.New("containerfile data is required")
	}

	stageDir, err := os.MkdirTemp("", "director-build-*")
	if err != nil {
		return sandbox.BuildResult{}, err
	}
	defer func() { _ = os.RemoveAll(stageDir) }()
	containerfile := filepath.Join(stageDir, "Containerfile")
	if err := os.WriteFile(containerfile, spec.ContainerfileData, 0o600); err != nil {
		return sandbox.BuildResult{}, err
	}
	contextDir := spec.ContextDir
	if contextDir == "" {
		contextDir = stageDir
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = defaultBuildTimeout
	}
	log.Info("buildkit build start", "tags", len(spec.Tags), "timeout_ms", timeout.Milliseconds())
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bkclient, err := b.dial(buildCtx)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return sandbox.BuildResult{}, err
	}
	defer func() { _ = bkclient.Close() }()

	attrs := map[string]string{"filename": "Containerfile"}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}

	var statusCh chan *client.SolveStatus
	var wg sync.WaitGroup
	if events != nil {
		statusCh = make(chan *client.SolveStatus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitEvents(buildCtx, statusCh, events)
		}()
	}

	_, err = bkclient.Solve(buildCtx, nil, client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    contextDir,
			"dockerfile": stageDir,
		},
		Exports: []client.ExportEntry{
			{
				Type: client.ExporterImage,
				Attrs: map[string]string{
					"name":           strings.Join(spec.Tags, ","),
					"push":           "false",
					"store":          "true",
					"unpack":         "true",
					"oci-mediatypes": "true",
				},
			},
		},
	}, statusCh)
	if statusCh != nil {
		wg.Wait()
	}
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return sandbox.BuildResult{}, err
	}
	log.Info("buildkit build ok", "tags", len(spec.Tags))
	return sandbox.BuildResult{ImageNames: spec.Tags}, nil
}

func emitEvents(ctx context.Context, statusCh <-chan *client.SolveStatus, events chan<- sandbox.BuildEvent) {
	type vertexState struct {
		name      string
		started   bool
		completed bool
		lastError string
	}
	vertices := make(map[string]*vertexState)
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			for _, v := range status.Vertexes {
				if v == nil {
					continue
				}
				id := v.Digest.String()
				state := vertices[id]
				if state == nil {
					state = &vertexState{name: v.Name}
					vertices[id] = state
				} else if state.name == "" && v.Name != "" {
					state.name = v.Name
				}
				if v.Started != nil && !state.started {
					state.started = true
					sendBuildEvent(ctx, events, sandbox.BuildEvent{
						Kind:      sandbox.BuildEventVertexStarted,
						VertexID:  id,
						Name:      state.name,
						Timestamp: *v.Started,
					})
				}
				if v.Completed != nil && !state.completed {
					state.completed = true
					state.lastError = v.Error
					sendBuildEvent(ctx, events, sandbox.BuildEvent{
						Kind:      sandbox.BuildEventVertexCompleted,
						VertexID:  id,
						Name:      state.name,
						Timestamp: *v.Completed,
						Error:     v.Error,
					})
				}
				if v.Error != "" && v.Error != state.lastError {
					state.lastError = v.Error
					sendBuildEvent(ctx, events, sandbox.BuildEvent{
						Kind:     sandbox.BuildEventVertexCompleted,
						VertexID: id,
						Name:     state.name,
						Error:    v.Error,
					})
				}
			}
			for _, logEntry := range status.Logs {
				if logEntry == nil {
					continue
				}
				msg := strings.TrimSpace(string(logEntry.Data))
				if msg == "" {
					continue
				}
				name := ""
				if state := vertices[logEntry.Vertex.String()]; state != nil {
					name = state.name
				}
				sendBuildEvent(ctx, events, sandbox.BuildEvent{
					Kind:      sandbox.BuildEventLog,
					VertexID:  logEntry.Vertex.String(),
					Name:      name,
					Message:   msg,
					Timestamp: logEntry.Timestamp,
				})
			}
			for _, warn := range status.Warnings {
				if warn == nil {
					continue
				}
				short := strings.TrimSpace(string(warn.Short))
				if warn.URL != "" {
					if short != "" {
						short = short + " (" + warn.URL + ")"
					} else {
						short = warn.URL
					}
				}
				if short == "" {
					continue
				}
				name := ""
				if state := vertices[warn.Vertex.String()]; state != nil {
					name = state.name
				}
				sendBuildEvent(ctx, events, sandbox.BuildEvent{
					Kind:     sandbox.BuildEventWarning,
					VertexID: warn.Vertex.String(),
					Name:     name,
					Message:  short,
				})
			}
		}
	}
}

func sendBuildEvent(ctx context.Context, events chan<- sandbox.BuildEvent, event sandbox.BuildEvent) {
	if events == nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case events <- event:
	default:
	}
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("buildkit address not configured")
	}
	return nil, lastErr
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
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
		add(fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "buildkit", "buildkitd.sock")))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(fmt.Sprintf("unix://%s", filepath.Join(userRunDir, "buildkit", "buildkitd.sock")))
	}
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}
