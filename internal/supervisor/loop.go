package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rushilwiz/director4/internal/logx"
	"github.com/Rushilwiz/director4/internal/quota"
	"github.com/Rushilwiz/director4/internal/sandbox"
	"github.com/Rushilwiz/director4/schema"
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdMarkDirty
	cmdBarrier
	cmdExit
	cmdUsage
)

type exitNotice struct {
	instanceID string
	status     sandbox.ExitStatus
	last       *schema.UsageSample
}

type command struct {
	kind       cmdKind
	revision   uint64
	barrier    chan struct{}
	exit       *exitNotice
	usage      *schema.UsageSample
	instanceID string
}

// siteLoop serializes all lifecycle work for one site. Only the run
// goroutine touches the lifecycle fields; the snapshot mutex guards
// the externally readable copy.
type siteLoop struct {
	sup *Supervisor
	id  schema.SiteID

	cmds      chan command
	closed    chan struct{}
	closeOnce sync.Once

	// Owned by the run goroutine.
	instance      schema.ProcessInstance
	handle        sandbox.Handle
	cachedScript  *schema.RunScriptLocation
	watcherCancel context.CancelFunc

	snapMu   sync.Mutex
	snapshot schema.ProcessInstance

	startMu     sync.Mutex
	startCancel context.CancelFunc
}

func newSiteLoop(sup *Supervisor, id schema.SiteID) *siteLoop {
	loop := &siteLoop{
		sup:    sup,
		id:     id,
		cmds:   make(chan command, 64),
		closed: make(chan struct{}),
	}
	loop.instance = schema.ProcessInstance{SiteID: id, State: schema.StateStopped}
	loop.snapshot = loop.instance
	return loop
}

func (l *siteLoop) enqueue(ctx context.Context, cmd command) error {
	select {
	case l.cmds <- cmd:
		return nil
	case <-l.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *siteLoop) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *siteLoop) run() {
	for {
		select {
		case <-l.closed:
			l.stopWatcher()
			return
		case cmd := <-l.cmds:
			switch cmd.kind {
			case cmdStart:
				l.handleStart()
			case cmdStop:
				l.handleStop()
			case cmdRestart:
				l.handleRestart()
			case cmdMarkDirty:
				l.handleMarkDirty(cmd.revision)
			case cmdBarrier:
				close(cmd.barrier)
			case cmdExit:
				l.handleExit(cmd.exit)
			case cmdUsage:
				l.handleUsage(cmd.instanceID, cmd.usage)
			}
		}
	}
}

// current returns the externally readable instance snapshot.
func (l *siteLoop) current() schema.ProcessInstance {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	return l.snapshot
}

func (l *siteLoop) currentHandle() sandbox.Handle {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	return l.handle
}

func (l *siteLoop) publishSnapshot() {
	l.snapMu.Lock()
	l.snapshot = l.instance
	l.snapMu.Unlock()
}

func (l *siteLoop) setHandle(handle sandbox.Handle) {
	l.snapMu.Lock()
	l.handle = handle
	l.snapMu.Unlock()
}

// transition moves the instance to a new state, records it and fans
// the event out.
func (l *siteLoop) transition(to schema.ProcessState) {
	from := l.instance.State
	l.instance.State = to
	l.publishSnapshot()
	if l.sup.recorder != nil {
		l.sup.recorder.Transition(to)
		if from == schema.StateRunning && to != schema.StateRunning {
			l.sup.recorder.LeftRunning()
		}
	}
	if l.sup.bus != nil {
		l.sup.bus.Publish(schema.ProcessEvent{
			SiteID:   l.id,
			From:     from,
			To:       to,
			Instance: l.instance,
			At:       time.Now(),
		})
	}
	logx.WithSite(context.Background(), l.id).Info("process state", "from", from, "to", to)
}

func (l *siteLoop) setStartCancel(cancel context.CancelFunc) {
	l.startMu.Lock()
	l.startCancel = cancel
	l.startMu.Unlock()
}

func (l *siteLoop) cancelInflightStart() {
	l.startMu.Lock()
	cancel := l.startCancel
	l.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *siteLoop) handleStart() {
	switch l.instance.State {
	case schema.StateRunning, schema.StateStarting, schema.StateRestarting:
		// Already live or in flight, starts are idempotent.
		return
	}
	l.doStart()
}

func (l *siteLoop) handleRestart() {
	log := logx.WithSite(context.Background(), l.id)
	log.Info("restart start")
	l.transition(schema.StateRestarting)
	if l.handle != nil {
		l.teardown(context.Background(), true)
	}
	// A restart re-derives everything, including the run script
	// location. A plain stop does not clear this cache.
	l.cachedScript = nil
	// The instance passes through Stopped before the new start so
	// observers see the old lifecycle finish.
	l.instance.ExitReason = schema.ReasonStopped
	l.transition(schema.StateStopped)
	l.doStart()
}

func (l *siteLoop) handleStop() {
	ctx := context.Background()
	log := logx.WithSite(ctx, l.id)
	switch l.instance.State {
	case schema.StateRunning:
		log.Info("stop start")
		l.teardown(ctx, true)
		l.instance.ExitReason = schema.ReasonStopped
		l.transition(schema.StateStopped)
		log.Info("stop ok")
	case schema.StateCrashed:
		// Clearing a crash needs no container work.
		l.transition(schema.StateStopped)
	case schema.StateStopped:
	default:
		// A cancelled start already settled to Stopped before this
		// command was dequeued.
	}
}

func (l *siteLoop) handleMarkDirty(revision uint64) {
	switch l.instance.State {
	case schema.StateRunning, schema.StateStarting, schema.StateRestarting:
		if revision > l.instance.Revision {
			l.instance.NeedsRestart = true
			l.publishSnapshot()
			logx.WithSite(context.Background(), l.id).Info("site definition changed", "revision", revision, "running_revision", l.instance.Revision)
		}
	}
}

func (l *siteLoop) handleUsage(instanceID string, usage *schema.UsageSample) {
	if usage == nil || instanceID != l.instance.InstanceID {
		return
	}
	if l.instance.State != schema.StateRunning {
		return
	}
	l.instance.Usage = *usage
	l.publishSnapshot()
}

func (l *siteLoop) handleExit(notice *exitNotice) {
	if notice == nil || notice.instanceID != l.instance.InstanceID || l.instance.State != schema.StateRunning {
		// Stale exit from an instance that was already stopped or
		// replaced.
		return
	}
	ctx := context.Background()
	log := logx.WithInstance(ctx, l.id, notice.instanceID)
	l.stopWatcher()
	if l.handle != nil {
		_ = l.sup.runtime.Remove(ctx, l.handle)
		l.setHandle(nil)
		l.handle = nil
	}
	_ = l.sup.broker.Revoke(ctx, l.id)

	reason := quota.Classify(notice.status, notice.last, false)
	l.instance.ExitCode = int(notice.status.Code)
	l.instance.ExitReason = reason
	if notice.last != nil {
		l.instance.Usage = *notice.last
	}
	l.transition(schema.StateCrashed)
	if l.sup.recorder != nil {
		l.sup.recorder.Crash(reason)
	}
	log.Warn("process crashed", "exit_code", notice.status.Code, "reason", reason)
}

// teardown stops and removes the live container and revokes its
// credential. Callers update state afterwards.
func (l *siteLoop) teardown(ctx context.Context, revoke bool) {
	l.stopWatcher()
	if l.handle != nil {
		stopCtx, cancel := context.WithTimeout(ctx, l.sup.cfg.StopTimeout)
		_ = l.sup.runtime.Stop(stopCtx, l.handle)
		cancel()
		_ = l.sup.runtime.Remove(ctx, l.handle)
		l.setHandle(nil)
		l.handle = nil
	}
	if revoke {
		_ = l.sup.broker.Revoke(ctx, l.id)
	}
}

func (l *siteLoop) stopWatcher() {
	if l.watcherCancel != nil {
		l.watcherCancel()
		l.watcherCancel = nil
	}
}

func (l *siteLoop) doStart() {
	ctx, cancel := context.WithCancel(context.Background())
	l.setStartCancel(cancel)
	defer func() {
		l.setStartCancel(nil)
		cancel()
	}()

	log := logx.WithSite(ctx, l.id)
	began := time.Now()
	l.instance = schema.ProcessInstance{
		SiteID:     l.id,
		InstanceID: uuid.NewString(),
		State:      l.instance.State,
	}
	l.transition(schema.StateStarting)
	log.Info("start sequence begin", "instance", l.instance.InstanceID)

	// Stage: config. The store is the single source of truth; the
	// definition is read fresh on every start.
	site, err := l.sup.sites.Get(l.id)
	if err != nil {
		if l.startCancelled(ctx, false) {
			return
		}
		l.failStart(schema.StageConfig, err)
		return
	}
	l.instance.Revision = site.Revision
	if l.startCancelled(ctx, false) {
		return
	}

	// Stage: image.
	image, err := l.sup.images.Ensure(ctx, schema.ImageBuildSpec{
		BaseImage: site.BaseImage,
		Packages:  site.Packages,
	})
	if err != nil {
		if l.startCancelled(ctx, false) {
			return
		}
		l.failStart(schema.StageImage, err)
		return
	}
	if l.startCancelled(ctx, false) {
		return
	}

	// Stage: run script. A stop+start pair reuses the location
	// resolved at first start; only a restart re-probes.
	if l.cachedScript == nil {
		loc, err := l.sup.scripts.Resolve(ctx, l.id)
		if err != nil {
			if l.startCancelled(ctx, false) {
				return
			}
			l.failStart(schema.StageRunScript, err)
			return
		}
		l.cachedScript = &loc
	}
	script := *l.cachedScript
	if l.startCancelled(ctx, false) {
		return
	}

	// Stage: credentials. Fresh on every start, never reused.
	cred, err := l.issueWithBackoff(ctx)
	if err != nil {
		if l.startCancelled(ctx, false) {
			return
		}
		l.failStart(schema.StageCredentials, err)
		return
	}
	if l.sup.recorder != nil {
		l.sup.recorder.CredentialIssued()
	}
	if l.startCancelled(ctx, true) {
		return
	}

	// Stage: quota.
	effective, err := quota.Effective(site, l.sup.defaults)
	if err != nil {
		_ = l.sup.broker.Revoke(context.Background(), l.id)
		l.failStart(schema.StageQuota, err)
		return
	}
	caps := quota.Caps(effective)

	// Stage: launch.
	env := cred.Env()
	env["DIRECTOR_SITE_ID"] = string(l.id)
	env["DIRECTOR_SITE_OWNER"] = site.Owner
	scriptPath := script.ContainerPath(l.sup.cfg.MountDir, l.sup.scripts.ScriptName())
	handle, err := l.sup.runtime.Launch(ctx, sandbox.ContainerSpec{
		Name:       containerName(l.id),
		Image:      image.Ref,
		Command:    []string{"/bin/sh", scriptPath},
		Env:        env,
		WorkingDir: l.sup.cfg.MountDir,
		Mounts: []sandbox.Mount{
			{Source: l.sup.scripts.SiteDir(l.id), Target: l.sup.cfg.MountDir},
		},
		Labels: map[string]string{
			"director.site": string(l.id),
		},
		ResourceCaps: &caps,
	})
	if err != nil {
		_ = l.sup.broker.Revoke(context.Background(), l.id)
		if l.startCancelled(ctx, false) {
			return
		}
		l.failStart(schema.StageLaunch, err)
		return
	}
	l.handle = handle
	l.setHandle(handle)
	if l.startCancelled(ctx, true) {
		return
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	waitCh, err := l.sup.runtime.Wait(watchCtx, handle)
	if err != nil {
		watchCancel()
		l.teardown(context.Background(), true)
		l.failStart(schema.StageLaunch, err)
		return
	}
	l.watcherCancel = watchCancel
	if err := l.verifyCaps(watchCtx, handle, effective); err != nil {
		l.teardown(context.Background(), true)
		l.failStart(schema.StageQuota, err)
		return
	}

	l.instance.StartedAt = time.Now()
	l.instance.ExitCode = 0
	l.instance.ExitReason = ""
	l.instance.FailedStage = ""
	l.instance.Error = ""
	l.transition(schema.StateRunning)
	if l.sup.recorder != nil {
		l.sup.recorder.StartLatency(time.Since(began).Seconds())
	}
	log.Info("start sequence ok", "instance", l.instance.InstanceID, "image", image.Ref, "script", scriptPath, "quota", quota.Describe(effective))

	go l.watch(watchCtx, l.instance.InstanceID, handle, waitCh)
}

// startCancelled checks for a stop that arrived mid-start. Partial
// work is torn down and the instance settles Stopped; the queued stop
// command then finds nothing left to do.
func (l *siteLoop) startCancelled(ctx context.Context, issued bool) bool {
	if ctx.Err() == nil {
		return false
	}
	log := logx.WithSite(context.Background(), l.id)
	log.Info("start cancelled by stop")
	l.stopWatcher()
	if l.handle != nil {
		_ = l.sup.runtime.Remove(context.Background(), l.handle)
		l.setHandle(nil)
		l.handle = nil
	}
	if issued {
		_ = l.sup.broker.Revoke(context.Background(), l.id)
	}
	l.instance.ExitReason = schema.ReasonStopped
	l.transition(schema.StateStopped)
	return true
}

func (l *siteLoop) failStart(stage schema.StartStage, err error) {
	log := logx.WithSite(context.Background(), l.id)
	l.instance.FailedStage = stage
	l.instance.Error = err.Error()
	l.transition(schema.StateCrashed)
	if stage == schema.StageCredentials && l.sup.recorder != nil {
		l.sup.recorder.CredentialFailed()
	}
	log.Warn("start sequence failed", "stage", stage, "err", err)
}

func (l *siteLoop) issueWithBackoff(ctx context.Context) (schema.DatabaseCredential, error) {
	var lastErr error
	for attempt := 1; attempt <= l.sup.cfg.IssueAttempts; attempt++ {
		cred, err := l.sup.broker.Issue(ctx, l.id)
		if err == nil {
			return cred, nil
		}
		lastErr = err
		if !schema.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt == l.sup.cfg.IssueAttempts {
			break
		}
		delay := issueDelay(l.sup.cfg.IssueBackoff, attempt)
		logx.WithSite(ctx, l.id).Warn("credential issue retry", "attempt", attempt, "delay_ms", delay.Milliseconds(), "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return schema.DatabaseCredential{}, ctx.Err()
		}
	}
	return schema.DatabaseCredential{}, lastErr
}

// issueDelay doubles the base backoff for each failed attempt.
func issueDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// verifyCaps checks that the launched container actually carries the
// memory ceiling and reapplies it through the runtime if not. A
// container that cannot be brought under its quota must not run.
func (l *siteLoop) verifyCaps(ctx context.Context, handle sandbox.Handle, effective schema.ResourceQuota) error {
	if l.sup.sampler == nil || handle.Pid() == 0 || effective.MemoryBytes <= 0 {
		return nil
	}
	sample, err := l.sup.sampler.Sample(handle.Pid())
	if err != nil {
		return nil
	}
	if sample.MemoryLimit == effective.MemoryBytes {
		return nil
	}
	log := logx.WithSite(ctx, l.id)
	log.Warn("memory cap drift detected", "want", effective.MemoryBytes, "have", sample.MemoryLimit)
	if err := l.sup.runtime.UpdateResources(ctx, handle, quota.Caps(effective)); err != nil {
		log.Warn("memory cap reapply failed", "err", err)
		return &schema.AttachError{SiteID: l.id, Err: err}
	}
	return nil
}

func (l *siteLoop) watch(ctx context.Context, instanceID string, handle sandbox.Handle, waitCh <-chan sandbox.ExitStatus) {
	ticker := time.NewTicker(l.sup.cfg.SampleInterval)
	defer ticker.Stop()
	var last *schema.UsageSample
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.sup.sampler == nil || handle.Pid() == 0 {
				continue
			}
			sample, err := l.sup.sampler.Sample(handle.Pid())
			if err != nil {
				continue
			}
			last = &sample
			// Usage updates are droppable; the next tick replaces
			// them.
			select {
			case l.cmds <- command{kind: cmdUsage, usage: &sample, instanceID: instanceID}:
			default:
			}
		case status, ok := <-waitCh:
			if !ok {
				return
			}
			// The cgroup usually survives briefly after exit; prefer a
			// final sample for OOM classification.
			if l.sup.sampler != nil && handle.Pid() > 0 {
				if sample, err := l.sup.sampler.Sample(handle.Pid()); err == nil {
					last = &sample
				}
			}
			notice := &exitNotice{instanceID: instanceID, status: status, last: last}
			select {
			case l.cmds <- command{kind: cmdExit, exit: notice}:
			case <-l.closed:
			}
			return
		}
	}
}

func containerName(id schema.SiteID) string {
	return "site-" + string(id)
}
