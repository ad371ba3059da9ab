// Package supervisor drives the per-site process lifecycle. Every
// site gets one loop goroutine that consumes commands strictly in
// order, so concurrent starts, stops and restarts serialize into a
// deterministic sequence with a single live container per site.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rushilwiz/director4/internal/eventbus"
	"github.com/Rushilwiz/director4/internal/logx"
	"github.com/Rushilwiz/director4/internal/metrics"
	"github.com/Rushilwiz/director4/internal/quota"
	"github.com/Rushilwiz/director4/internal/sandbox"
	"github.com/Rushilwiz/director4/schema"
)

// SiteSource yields site definitions.
type SiteSource interface {
	Get(id schema.SiteID) (schema.Site, error)
	List() []schema.Site
}

// ImageEnsurer provides environment images.
type ImageEnsurer interface {
	Ensure(ctx context.Context, spec schema.ImageBuildSpec) (schema.ImageHandle, error)
}

// ScriptResolver locates run scripts on the site volume.
type ScriptResolver interface {
	Resolve(ctx context.Context, siteID schema.SiteID) (schema.RunScriptLocation, error)
	SiteDir(siteID schema.SiteID) string
	ScriptName() string
}

// CredentialBroker mints and revokes database credentials.
type CredentialBroker interface {
	Issue(ctx context.Context, siteID schema.SiteID) (schema.DatabaseCredential, error)
	Revoke(ctx context.Context, siteID schema.SiteID) error
}

// UsageSampler reads resource accounting for a container process.
type UsageSampler interface {
	Sample(pid uint32) (schema.UsageSample, error)
}

// Config tunes the supervisor.
type Config struct {
	// IssueAttempts bounds credential issuance retries for transient
	// failures. Zero means 3.
	IssueAttempts int
	// IssueBackoff is the base delay between issuance retries.
	IssueBackoff time.Duration
	// SampleInterval is the usage sampling period for running
	// containers. Zero means 2s.
	SampleInterval time.Duration
	// StopTimeout bounds graceful container stops.
	StopTimeout time.Duration
	// MountDir is the path the site volume is mounted at inside the
	// container. Zero means /site.
	MountDir string
}

func (c Config) withDefaults() Config {
	if c.IssueAttempts <= 0 {
		c.IssueAttempts = 3
	}
	if c.IssueBackoff <= 0 {
		c.IssueBackoff = 500 * time.Millisecond
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 2 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.MountDir == "" {
		c.MountDir = "/site"
	}
	return c
}

// Supervisor owns the per-site loops.
type Supervisor struct {
	sites    SiteSource
	runtime  sandbox.Runtime
	images   ImageEnsurer
	scripts  ScriptResolver
	broker   CredentialBroker
	sampler  UsageSampler
	bus      *eventbus.Bus
	recorder *metrics.Recorder
	defaults quota.Defaults
	cfg      Config

	mu    sync.Mutex
	loops map[schema.SiteID]*siteLoop
	down  bool
}

// New constructs a supervisor.
func New(sites SiteSource, runtime sandbox.Runtime, images ImageEnsurer, scripts ScriptResolver, broker CredentialBroker, sampler UsageSampler, bus *eventbus.Bus, recorder *metrics.Recorder, defaults quota.Defaults, cfg Config) (*Supervisor, error) {
	if sites == nil || runtime == nil || images == nil || scripts == nil || broker == nil {
		return nil, errors.New("supervisor dependencies are incomplete")
	}
	return &Supervisor{
		sites:    sites,
		runtime:  runtime,
		images:   images,
		scripts:  scripts,
		broker:   broker,
		sampler:  sampler,
		bus:      bus,
		recorder: recorder,
		defaults: defaults,
		cfg:      cfg.withDefaults(),
		loops:    make(map[schema.SiteID]*siteLoop),
	}, nil
}

// Start requests the site's process be started. The request is
// queued; progress surfaces through Status and the event bus.
func (s *Supervisor) Start(ctx context.Context, siteID schema.SiteID) error {
	if _, err := s.sites.Get(siteID); err != nil {
		return err
	}
	loop, err := s.loopFor(ctx, siteID)
	if err != nil {
		return err
	}
	return loop.enqueue(ctx, command{kind: cmdStart})
}

// Stop requests the site's process be stopped. An in-flight start is
// cancelled immediately; its partial work is torn down before the
// stop settles.
func (s *Supervisor) Stop(ctx context.Context, siteID schema.SiteID) error {
	loop, ok := s.existingLoop(siteID)
	if !ok {
		if _, err := s.sites.Get(siteID); err != nil {
			return err
		}
		return nil
	}
	loop.cancelInflightStart()
	return loop.enqueue(ctx, command{kind: cmdStop})
}

// Restart stops the site's process if live and starts it again,
// re-deriving the image, run script location, credentials and quota
// from scratch.
func (s *Supervisor) Restart(ctx context.Context, siteID schema.SiteID) error {
	if _, err := s.sites.Get(siteID); err != nil {
		return err
	}
	loop, err := s.loopFor(ctx, siteID)
	if err != nil {
		return err
	}
	return loop.enqueue(ctx, command{kind: cmdRestart})
}

// Status reports the site's current process instance.
func (s *Supervisor) Status(ctx context.Context, siteID schema.SiteID) (schema.ProcessInstance, error) {
	loop, ok := s.existingLoop(siteID)
	if !ok {
		if _, err := s.sites.Get(siteID); err != nil {
			return schema.ProcessInstance{}, err
		}
		return schema.ProcessInstance{SiteID: siteID, State: schema.StateStopped}, nil
	}
	return loop.current(), nil
}

// SiteUpdated marks a live process as needing a restart when the
// site definition changed after it was launched. The process keeps
// running with its old derivation until an explicit restart.
func (s *Supervisor) SiteUpdated(siteID schema.SiteID, revision uint64) {
	loop, ok := s.existingLoop(siteID)
	if !ok {
		return
	}
	_ = loop.enqueue(context.Background(), command{kind: cmdMarkDirty, revision: revision})
}

// Logs returns the most recent output of the site's container.
func (s *Supervisor) Logs(ctx context.Context, siteID schema.SiteID, limit int) (stdout, stderr []string, err error) {
	loop, ok := s.existingLoop(siteID)
	if !ok {
		return nil, nil, fmt.Errorf("site %s: %w", siteID, schema.ErrSiteNotFound)
	}
	tailer, ok := s.runtime.(sandbox.LogTailer)
	if !ok {
		return nil, nil, errors.New("runtime does not capture logs")
	}
	handle := loop.currentHandle()
	if handle == nil {
		return nil, nil, errors.New("no live container")
	}
	return tailer.TailLogs(ctx, handle, limit)
}

// Forget stops the site's process and discards its loop. Used when a
// site is deleted.
func (s *Supervisor) Forget(ctx context.Context, siteID schema.SiteID) error {
	loop, ok := s.existingLoop(siteID)
	if !ok {
		return nil
	}
	loop.cancelInflightStart()
	if err := loop.enqueue(ctx, command{kind: cmdStop}); err != nil {
		return err
	}
	barrier := make(chan struct{})
	if err := loop.enqueue(ctx, command{kind: cmdBarrier, barrier: barrier}); err != nil {
		return err
	}
	select {
	case <-barrier:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	delete(s.loops, siteID)
	s.mu.Unlock()
	loop.close()
	return nil
}

// Reconcile prunes leftover managed containers and starts every site
// whose desired state is running. Called once at boot.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	log := logx.Ctx(ctx)
	removed, err := s.runtime.Janitor(ctx, sandbox.JanitorSpec{})
	if err != nil {
		log.Warn("reconcile janitor failed", "err", err)
	} else if removed > 0 {
		log.Info("reconcile janitor ok", "removed", removed)
	}
	var firstErr error
	for _, site := range s.sites.List() {
		if site.Desired != schema.DesiredRunning {
			continue
		}
		if err := s.Start(ctx, site.ID); err != nil {
			log.Warn("reconcile start failed", "site", site.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Shutdown stops all site processes and their loops.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.down = true
	loops := make([]*siteLoop, 0, len(s.loops))
	for _, loop := range s.loops {
		loops = append(loops, loop)
	}
	s.loops = make(map[schema.SiteID]*siteLoop)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(loop *siteLoop) {
			defer wg.Done()
			loop.cancelInflightStart()
			_ = loop.enqueue(ctx, command{kind: cmdStop})
			barrier := make(chan struct{})
			if loop.enqueue(ctx, command{kind: cmdBarrier, barrier: barrier}) == nil {
				select {
				case <-barrier:
				case <-ctx.Done():
				}
			}
			loop.close()
		}(loop)
	}
	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) loopFor(ctx context.Context, siteID schema.SiteID) (*siteLoop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("supervisor is shutting down")
	}
	loop, ok := s.loops[siteID]
	if !ok {
		loop = newSiteLoop(s, siteID)
		s.loops[siteID] = loop
		go loop.run()
	}
	return loop, nil
}

func (s *Supervisor) existingLoop(siteID schema.SiteID) (*siteLoop, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.loops[siteID]
	return loop, ok
}
