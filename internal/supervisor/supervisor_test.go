package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Rushilwiz/director4/internal/eventbus"
	"github.com/Rushilwiz/director4/internal/quota"
	"github.com/Rushilwiz/director4/internal/sandbox"
	"github.com/Rushilwiz/director4/schema"
)

type fakeHandle struct {
	name string
	pid  uint32
}

func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) ID() string   { return h.name }
func (h *fakeHandle) Pid() uint32  { return h.pid }

type fakeRuntime struct {
	mu           sync.Mutex
	launches     []sandbox.ContainerSpec
	stops        []string
	removes      []string
	updates      []sandbox.ResourceCaps
	live         map[string]chan sandbox.ExitStatus
	launchErr    error
	updateErr    error
	janitorCalls int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{live: make(map[string]chan sandbox.ExitStatus)}
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) ImageExists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRuntime) Launch(_ context.Context, spec sandbox.ContainerSpec) (sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.launches = append(f.launches, spec)
	f.live[spec.Name] = make(chan sandbox.ExitStatus, 1)
	return &fakeHandle{name: spec.Name, pid: 4242}, nil
}

func (f *fakeRuntime) Wait(_ context.Context, h sandbox.Handle) (<-chan sandbox.ExitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.live[h.Name()]
	if !ok {
		return nil, errors.New("no such container")
	}
	return ch, nil
}

func (f *fakeRuntime) Stop(_ context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, h.Name())
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, h.Name())
	delete(f.live, h.Name())
	return nil
}

func (f *fakeRuntime) UpdateResources(_ context.Context, _ sandbox.Handle, caps sandbox.ResourceCaps) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, caps)
	return nil
}

func (f *fakeRuntime) Janitor(context.Context, sandbox.JanitorSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.janitorCalls++
	return 0, nil
}

func (f *fakeRuntime) exit(name string, code uint32) {
	f.mu.Lock()
	ch := f.live[name]
	f.mu.Unlock()
	if ch != nil {
		ch <- sandbox.ExitStatus{Code: code, At: time.Now()}
	}
}

func (f *fakeRuntime) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeRuntime) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeRuntime) lastLaunch() sandbox.ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches[len(f.launches)-1]
}

type fakeSites struct {
	mu    sync.Mutex
	sites map[schema.SiteID]schema.Site
}

func (f *fakeSites) Get(id schema.SiteID) (schema.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	site, ok := f.sites[id]
	if !ok {
		return schema.Site{}, schema.ErrSiteNotFound
	}
	return site, nil
}

func (f *fakeSites) List() []schema.Site {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.Site, 0, len(f.sites))
	for _, site := range f.sites {
		out = append(out, site)
	}
	return out
}

func (f *fakeSites) put(site schema.Site) {
	f.mu.Lock()
	f.sites[site.ID] = site
	f.mu.Unlock()
}

type fakeImages struct {
	mu      sync.Mutex
	ensures int
	block   chan struct{}
	err     error
}

func (f *fakeImages) Ensure(ctx context.Context, spec schema.ImageBuildSpec) (schema.ImageHandle, error) {
	f.mu.Lock()
	f.ensures++
	block := f.block
	err := f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return schema.ImageHandle{}, ctx.Err()
		}
	}
	if err != nil {
		return schema.ImageHandle{}, err
	}
	return schema.ImageHandle{Key: spec.Key(), Ref: "director/site-env:" + spec.Key()}, nil
}

type fakeScripts struct {
	mu       sync.Mutex
	resolves int
	loc      schema.RunScriptLocation
	err      error
}

func (f *fakeScripts) Resolve(_ context.Context, _ schema.SiteID) (schema.RunScriptLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.err != nil {
		return schema.RunScriptLocation{}, f.err
	}
	return f.loc, nil
}

func (f *fakeScripts) SiteDir(id schema.SiteID) string { return "/srv/sites/" + string(id) }

func (f *fakeScripts) ScriptName() string { return "run.sh" }

func (f *fakeScripts) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves
}

func (f *fakeScripts) setLoc(loc schema.RunScriptLocation) {
	f.mu.Lock()
	f.loc = loc
	f.mu.Unlock()
}

type fakeBroker struct {
	mu         sync.Mutex
	issues     int
	revokes    int
	errs       []error
	issueTimes []time.Time
}

func (f *fakeBroker) Issue(_ context.Context, siteID schema.SiteID) (schema.DatabaseCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues++
	f.issueTimes = append(f.issueTimes, time.Now())
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return schema.DatabaseCredential{}, err
		}
	}
	return schema.DatabaseCredential{
		Endpoint: "db.internal:5432",
		Database: "site_" + string(siteID),
		User:     fmt.Sprintf("site_%s_%04d", siteID, f.issues),
		Secret:   fmt.Sprintf("secret-%04d", f.issues),
		Expiry:   time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeBroker) Revoke(context.Context, schema.SiteID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes++
	return nil
}

func (f *fakeBroker) issueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issues
}

func (f *fakeBroker) revokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokes
}

func (f *fakeBroker) issueGaps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	gaps := make([]time.Duration, 0, len(f.issueTimes))
	for i := 1; i < len(f.issueTimes); i++ {
		gaps = append(gaps, f.issueTimes[i].Sub(f.issueTimes[i-1]))
	}
	return gaps
}

type fakeSampler struct {
	mu     sync.Mutex
	sample schema.UsageSample
	err    error
}

func (f *fakeSampler) Sample(uint32) (schema.UsageSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return schema.UsageSample{}, f.err
	}
	sample := f.sample
	sample.At = time.Now()
	return sample, nil
}

func (f *fakeSampler) set(sample schema.UsageSample) {
	f.mu.Lock()
	f.sample = sample
	f.mu.Unlock()
}

type testEnv struct {
	sup     *Supervisor
	sites   *fakeSites
	runtime *fakeRuntime
	images  *fakeImages
	scripts *fakeScripts
	broker  *fakeBroker
	sampler *fakeSampler
	bus     *eventbus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sites:   &fakeSites{sites: make(map[schema.SiteID]schema.Site)},
		runtime: newFakeRuntime(),
		images:  &fakeImages{},
		scripts: &fakeScripts{loc: schema.RunScriptLocation{Dir: schema.RunScriptMain}},
		broker:  &fakeBroker{},
		sampler: &fakeSampler{sample: schema.UsageSample{MemoryBytes: 10 << 20, MemoryLimit: schema.DefaultMemoryBytes}},
		bus:     eventbus.New(nil),
	}
	env.sites.put(schema.Site{ID: "blog", Owner: "alice", BaseImage: "debian:13", Revision: 1, Desired: schema.DesiredStopped})
	sup, err := New(env.sites, env.runtime, env.images, env.scripts, env.broker, env.sampler, env.bus, nil, quota.PlatformDefaults(), Config{
		IssueAttempts:  3,
		IssueBackoff:   time.Millisecond,
		SampleInterval: 10 * time.Millisecond,
		StopTimeout:    100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	env.sup = sup
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return env
}

func waitForState(t *testing.T, sup *Supervisor, siteID schema.SiteID, want schema.ProcessState) schema.ProcessInstance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last schema.ProcessInstance
	for time.Now().Before(deadline) {
		instance, err := sup.Status(context.Background(), siteID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		last = instance
		if instance.State == want {
			return instance
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("site %s never reached %s, last: %+v", siteID, want, last)
	return schema.ProcessInstance{}
}

func TestStartLaunchesWithDerivedInputs(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	instance := waitForState(t, env.sup, "blog", schema.StateRunning)
	if instance.Revision != 1 {
		t.Fatalf("instance revision: %d", instance.Revision)
	}
	if env.runtime.launchCount() != 1 {
		t.Fatalf("expected 1 launch, got %d", env.runtime.launchCount())
	}
	spec := env.runtime.lastLaunch()
	if spec.Name != "site-blog" {
		t.Fatalf("container name: %q", spec.Name)
	}
	if spec.Env["DIRECTOR_DATABASE_PASSWORD"] == "" || spec.Env["DIRECTOR_DATABASE_URL"] == "" {
		t.Fatalf("credential env missing: %v", spec.Env)
	}
	if spec.Env["DIRECTOR_SITE_ID"] != "blog" {
		t.Fatalf("site env missing: %v", spec.Env)
	}
	if len(spec.Command) != 2 || spec.Command[1] != "/site/run.sh" {
		t.Fatalf("unexpected command: %v", spec.Command)
	}
	if spec.ResourceCaps == nil || spec.ResourceCaps.MemoryBytes != schema.DefaultMemoryBytes {
		t.Fatalf("memory cap not applied: %+v", spec.ResourceCaps)
	}
	if len(spec.Mounts) != 1 || spec.Mounts[0].Source != "/srv/sites/blog" || spec.Mounts[0].Target != "/site" {
		t.Fatalf("site volume mount missing: %+v", spec.Mounts)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if env.runtime.launchCount() != 1 {
		t.Fatalf("expected 1 launch, got %d", env.runtime.launchCount())
	}
	if env.runtime.liveCount() != 1 {
		t.Fatalf("expected exactly one live container, got %d", env.runtime.liveCount())
	}
}

func TestStopDuringStartCancelsAndSettlesStopped(t *testing.T) {
	env := newTestEnv(t)
	block := make(chan struct{})
	env.images.block = block

	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateStarting)
	if err := env.sup.Stop(context.Background(), "blog"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateStopped)
	if env.runtime.launchCount() != 0 {
		t.Fatalf("cancelled start must not launch, got %d launches", env.runtime.launchCount())
	}
	close(block)
}

func TestStopStartReusesScriptLocationRestartReprobes(t *testing.T) {
	env := newTestEnv(t)
	env.scripts.setLoc(schema.RunScriptLocation{Dir: schema.RunScriptPrivate})

	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	if env.runtime.lastLaunch().Command[1] != "/site/private/run.sh" {
		t.Fatalf("unexpected script path: %v", env.runtime.lastLaunch().Command)
	}
	if err := env.sup.Stop(context.Background(), "blog"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateStopped)

	// The user moved the script; a stop+start keeps launching the old
	// location because the resolution is cached.
	env.scripts.setLoc(schema.RunScriptLocation{Dir: schema.RunScriptMain})
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	if got := env.scripts.resolveCount(); got != 1 {
		t.Fatalf("stop+start must not re-resolve, resolves=%d", got)
	}
	if env.runtime.lastLaunch().Command[1] != "/site/private/run.sh" {
		t.Fatalf("cached location not reused: %v", env.runtime.lastLaunch().Command)
	}

	// A restart re-derives everything and picks up the new location.
	if err := env.sup.Restart(context.Background(), "blog"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	deadline := time.Now().Add(time.Second)
	for env.scripts.resolveCount() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := env.scripts.resolveCount(); got != 2 {
		t.Fatalf("restart must re-resolve, resolves=%d", got)
	}
	if env.runtime.lastLaunch().Command[1] != "/site/run.sh" {
		t.Fatalf("restart did not pick up new location: %v", env.runtime.lastLaunch().Command)
	}
}

func TestCredentialsFreshPerStartAndRevokedOnStop(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	firstEnv := env.runtime.lastLaunch().Env

	if err := env.sup.Stop(context.Background(), "blog"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateStopped)
	if env.broker.revokeCount() == 0 {
		t.Fatalf("stop must revoke the credential")
	}

	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	secondEnv := env.runtime.lastLaunch().Env
	if firstEnv["DIRECTOR_DATABASE_PASSWORD"] == secondEnv["DIRECTOR_DATABASE_PASSWORD"] {
		t.Fatalf("credential reused across starts")
	}
	if env.broker.issueCount() != 2 {
		t.Fatalf("expected 2 issuances, got %d", env.broker.issueCount())
	}
}

func TestCrashClassifiesPlainExit(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)

	env.runtime.exit("site-blog", 3)
	instance := waitForState(t, env.sup, "blog", schema.StateCrashed)
	if instance.ExitReason != schema.ReasonExited {
		t.Fatalf("expected exited, got %s", instance.ExitReason)
	}
	if instance.ExitCode != 3 {
		t.Fatalf("exit code: %d", instance.ExitCode)
	}
	if env.broker.revokeCount() == 0 {
		t.Fatalf("crash must revoke the credential")
	}
	// A crashed site stays down until an explicit start.
	time.Sleep(50 * time.Millisecond)
	if env.runtime.launchCount() != 1 {
		t.Fatalf("crash must not auto-restart, launches=%d", env.runtime.launchCount())
	}
}

func TestMemoryBreachClassifiedOutOfMemory(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)

	env.sampler.set(schema.UsageSample{
		MemoryBytes: schema.DefaultMemoryBytes,
		MemoryLimit: schema.DefaultMemoryBytes,
		OOMKills:    1,
	})
	env.runtime.exit("site-blog", 137)
	instance := waitForState(t, env.sup, "blog", schema.StateCrashed)
	if instance.ExitReason != schema.ReasonOutOfMemory {
		t.Fatalf("expected out_of_memory, got %s", instance.ExitReason)
	}
}

func TestQuotaReapplyFailureFailsStart(t *testing.T) {
	env := newTestEnv(t)
	env.sampler.set(schema.UsageSample{
		MemoryBytes: 10 << 20,
		MemoryLimit: schema.DefaultMemoryBytes / 2,
	})
	env.runtime.updateErr = errors.New("cgroup write denied")

	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	instance := waitForState(t, env.sup, "blog", schema.StateCrashed)
	if instance.FailedStage != schema.StageQuota {
		t.Fatalf("expected quota stage, got %s", instance.FailedStage)
	}
	if !strings.Contains(instance.Error, "attach quota") {
		t.Fatalf("unexpected error: %q", instance.Error)
	}
	if env.runtime.liveCount() != 0 {
		t.Fatalf("uncapped container must be torn down, live=%d", env.runtime.liveCount())
	}
	if env.broker.revokeCount() == 0 {
		t.Fatalf("failed attach must revoke the credential")
	}
}

func TestRestartPassesThroughStopped(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)

	ch, cancel := env.bus.Subscribe("blog")
	defer cancel()
	if err := env.sup.Restart(context.Background(), "blog"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	var seen []schema.ProcessState
	deadline := time.After(3 * time.Second)
collect:
	for {
		select {
		case event := <-ch:
			seen = append(seen, event.To)
			if event.To == schema.StateRunning {
				break collect
			}
		case <-deadline:
			t.Fatalf("restart never reached running, saw %v", seen)
		}
	}
	want := []schema.ProcessState{
		schema.StateRestarting,
		schema.StateStopped,
		schema.StateStarting,
		schema.StateRunning,
	}
	matched := 0
	for _, state := range seen {
		if matched < len(want) && state == want[matched] {
			matched++
		}
	}
	if matched != len(want) {
		t.Fatalf("restart sequence %v missing %v", seen, want)
	}
}

func TestCPUThrottleKeepsRunning(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)

	env.sampler.set(schema.UsageSample{
		MemoryBytes:   10 << 20,
		MemoryLimit:   schema.DefaultMemoryBytes,
		CPUUsageUsec:  9_000_000,
		ThrottledUsec: 4_000_000,
	})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		instance, err := env.sup.Status(context.Background(), "blog")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if instance.State != schema.StateRunning {
			t.Fatalf("throttled site must stay running, got %s", instance.State)
		}
		if instance.Usage.ThrottledUsec > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("throttle usage never surfaced in status")
}

func TestSiteUpdatedMarksNeedsRestartWithoutRestarting(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)

	site, _ := env.sites.Get("blog")
	site.Packages = []string{"ffmpeg"}
	site.Revision = 2
	env.sites.put(site)
	env.sup.SiteUpdated("blog", 2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		instance, err := env.sup.Status(context.Background(), "blog")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if instance.NeedsRestart {
			if instance.State != schema.StateRunning {
				t.Fatalf("marking dirty must not change state, got %s", instance.State)
			}
			if env.runtime.launchCount() != 1 {
				t.Fatalf("marking dirty must not relaunch, launches=%d", env.runtime.launchCount())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("needs_restart never set")
}

func TestConcurrentRestartsSettleIntoOneRunningInstance(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.sup.Restart(context.Background(), "blog")
		}()
	}
	wg.Wait()
	waitForState(t, env.sup, "blog", schema.StateRunning)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.runtime.liveCount() == 1 {
			instance, _ := env.sup.Status(context.Background(), "blog")
			if instance.State == schema.StateRunning {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected exactly one live container, got %d", env.runtime.liveCount())
}

func TestTransientCredentialFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	env.broker.errs = []error{
		&schema.IssueError{SiteID: "blog", Transient: true, Err: errors.New("too many connections")},
		&schema.IssueError{SiteID: "blog", Transient: true, Err: errors.New("too many connections")},
	}

	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	if env.broker.issueCount() != 3 {
		t.Fatalf("expected two retries, issues=%d", env.broker.issueCount())
	}
	// The waits are lower bounds: the first retry sleeps at least the
	// base backoff, the second at least twice the base.
	gaps := env.broker.issueGaps()
	if len(gaps) != 2 {
		t.Fatalf("expected 2 retry gaps, got %v", gaps)
	}
	if gaps[0] < time.Millisecond {
		t.Fatalf("first retry came before the base backoff: %v", gaps[0])
	}
	if gaps[1] < 2*time.Millisecond {
		t.Fatalf("second retry did not wait a doubled backoff: %v", gaps[1])
	}
}

func TestIssueDelayDoublesPerAttempt(t *testing.T) {
	base := 10 * time.Millisecond
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
	}
	for i, expect := range want {
		if got := issueDelay(base, i+1); got != expect {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, expect)
		}
	}
}

func TestFatalCredentialFailureCrashesWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	env.broker.errs = []error{
		&schema.IssueError{SiteID: "blog", Err: errors.New("permission denied")},
		&schema.IssueError{SiteID: "blog", Err: errors.New("permission denied")},
	}

	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	instance := waitForState(t, env.sup, "blog", schema.StateCrashed)
	if instance.FailedStage != schema.StageCredentials {
		t.Fatalf("expected credentials stage, got %s", instance.FailedStage)
	}
	if env.broker.issueCount() != 1 {
		t.Fatalf("fatal failure must not retry, issues=%d", env.broker.issueCount())
	}
	if env.runtime.launchCount() != 0 {
		t.Fatalf("failed start must not launch")
	}
}

func TestMissingRunScriptFailsStartStage(t *testing.T) {
	env := newTestEnv(t)
	env.scripts.err = &schema.RunScriptNotFoundError{SiteID: "blog", Script: "run.sh"}

	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	instance := waitForState(t, env.sup, "blog", schema.StateCrashed)
	if instance.FailedStage != schema.StageRunScript {
		t.Fatalf("expected run_script stage, got %s", instance.FailedStage)
	}
	if env.broker.issueCount() != 0 {
		t.Fatalf("credentials must not be issued before the script resolves")
	}
}

func TestStartUnknownSite(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "ghost"); !errors.Is(err, schema.ErrSiteNotFound) {
		t.Fatalf("expected ErrSiteNotFound, got %v", err)
	}
}

func TestCrashedSiteRestartsOnExplicitStart(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	env.runtime.exit("site-blog", 1)
	waitForState(t, env.sup, "blog", schema.StateCrashed)

	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start after crash: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	if env.runtime.launchCount() != 2 {
		t.Fatalf("expected relaunch, launches=%d", env.runtime.launchCount())
	}
}

func TestReconcileStartsDesiredRunningSites(t *testing.T) {
	env := newTestEnv(t)
	site, _ := env.sites.Get("blog")
	site.Desired = schema.DesiredRunning
	env.sites.put(site)
	env.sites.put(schema.Site{ID: "dormant", Owner: "bob", BaseImage: "debian:13", Revision: 1, Desired: schema.DesiredStopped})

	if err := env.sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	status, err := env.sup.Status(context.Background(), "dormant")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != schema.StateStopped {
		t.Fatalf("dormant site must stay stopped, got %s", status.State)
	}
	if env.runtime.janitorCalls != 1 {
		t.Fatalf("reconcile must run the janitor once, got %d", env.runtime.janitorCalls)
	}
}

func TestForgetStopsAndDiscardsLoop(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sup.Start(context.Background(), "blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, env.sup, "blog", schema.StateRunning)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.sup.Forget(ctx, "blog"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if env.runtime.liveCount() != 0 {
		t.Fatalf("forget must stop the container")
	}
	status, err := env.sup.Status(context.Background(), "blog")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != schema.StateStopped {
		t.Fatalf("expected stopped after forget, got %s", status.State)
	}
}
