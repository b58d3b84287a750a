package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-manager/internal/adapter/device"
	"github.com/fairyhunter13/llm-manager/internal/adapter/iface"
	"github.com/fairyhunter13/llm-manager/internal/adapter/proc"
	"github.com/fairyhunter13/llm-manager/internal/config"
	"github.com/fairyhunter13/llm-manager/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSup struct {
	mu     sync.Mutex
	spawns atomic.Int32
	alive  map[string]bool
	stops  []string
}

func newFakeSup() *fakeSup { return &fakeSup{alive: make(map[string]bool)} }

func (f *fakeSup) Spawn(name, script, dir string, sink proc.LineSink) (int, error) {
	f.spawns.Add(1)
	f.mu.Lock()
	f.alive[name] = true
	f.mu.Unlock()
	if sink != nil {
		sink("booting " + name)
	}
	return 4321, nil
}

func (f *fakeSup) Stop(name string) {
	f.mu.Lock()
	f.alive[name] = false
	f.stops = append(f.stops, name)
	f.mu.Unlock()
}

func (f *fakeSup) IsAlive(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[name]
}

func (f *fakeSup) PID(name string) int { return 4321 }

func (f *fakeSup) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

type fakeIface struct {
	mode    domain.ModelMode
	healthy atomic.Bool
	delay   time.Duration
	probes  atomic.Int32
}

func (p *fakeIface) Mode() domain.ModelMode        { return p.mode }
func (p *fakeIface) SupportedEndpoints() []string  { return []string{"v1/chat/completions"} }
func (p *fakeIface) ValidateRequest(path, primary string) (bool, string) { return true, "" }

func (p *fakeIface) HealthCheck(ctx context.Context, primary string, port int, onShallowOK func()) (bool, string) {
	p.probes.Add(1)
	if onShallowOK != nil {
		onShallowOK()
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return false, "probe canceled"
		}
	}
	if p.healthy.Load() {
		return true, ""
	}
	return false, "probe failed"
}

type fakeDevice struct {
	name    string
	avail   atomic.Int64
	availFn func() int64 // overrides avail when set
}

func (d *fakeDevice) Name() string   { return d.name }
func (d *fakeDevice) IsOnline() bool { return true }
func (d *fakeDevice) MemoryInfo() (int64, int64, int64) {
	avail := d.avail.Load()
	if d.availFn != nil {
		avail = d.availFn()
	}
	return 64000, avail, 64000 - avail
}

type fakeRuntime struct {
	mu     sync.Mutex
	starts []string
	ends   []string
}

func (f *fakeRuntime) StartRuntime(ctx context.Context, model string, start float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, model)
	return nil
}

func (f *fakeRuntime) UpdateRuntimeEnd(ctx context.Context, model string, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, model)
	return nil
}

type fixture struct {
	ctrl    *Controller
	sup     *fakeSup
	plugin  *fakeIface
	cpu     *fakeDevice
	runtime *fakeRuntime
}

func newFixture(t *testing.T, yaml string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfgMgr, err := config.NewManager(path)
	require.NoError(t, err)

	cpu := &fakeDevice{name: "cpu"}
	cpu.avail.Store(32000)
	devices := device.NewRegistry(cpu)

	plugin := &fakeIface{mode: domain.ModeChat}
	plugin.healthy.Store(true)
	ifaces := iface.NewRegistry()
	ifaces.Register(plugin)

	sup := newFakeSup()
	runtime := &fakeRuntime{}
	ctrl := New(testLogger(), cfgMgr, devices, ifaces, sup, runtime, 5*time.Second)
	t.Cleanup(ctrl.Close)
	return &fixture{ctrl: ctrl, sup: sup, plugin: plugin, cpu: cpu, runtime: runtime}
}

const oneModel = `
program:
  alive_time: 15
models:
  m:
    aliases: [m]
    mode: Chat
    port: 18200
    variants:
      - name: default
        required_devices: [cpu]
        script_path: run.sh
`

const twoModels = `
models:
  a:
    aliases: [a]
    mode: Chat
    port: 18201
    variants:
      - name: default
        required_devices: [cpu]
        script_path: run_a.sh
  b:
    aliases: [b]
    mode: Chat
    port: 18202
    variants:
      - name: default
        required_devices: [cpu]
        script_path: run_b.sh
        memory_mb:
          cpu: 5000
`

func TestStartModelHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneModel)

	ok, why := f.ctrl.StartModel(context.Background(), "m")
	require.True(t, ok, why)

	status, found := f.ctrl.Status("m")
	require.True(t, found)
	assert.Equal(t, domain.StatusRouting, status)

	infos := f.ctrl.ListStatus()
	require.Len(t, infos, 1)
	assert.Equal(t, 4321, infos[0].PID)
	assert.Equal(t, "default", infos[0].ConfigSource)

	logs, found := f.ctrl.GetLog("m")
	require.True(t, found)
	require.NotEmpty(t, logs)
	assert.Equal(t, "booting model_m", logs[0].Message)

	f.runtime.mu.Lock()
	assert.Equal(t, []string{"m"}, f.runtime.starts)
	f.runtime.mu.Unlock()
}

func TestStartModelIdempotentWhileRouting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneModel)

	ok, _ := f.ctrl.StartModel(context.Background(), "m")
	require.True(t, ok)
	ok, _ = f.ctrl.StartModel(context.Background(), "m")
	require.True(t, ok)
	assert.Equal(t, int32(1), f.sup.spawns.Load())
}

func TestConcurrentColdStartSpawnsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneModel)
	f.plugin.delay = 300 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.ctrl.StartModel(context.Background(), "m")
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, fmt.Sprintf("caller %d", i))
	}
	assert.Equal(t, int32(1), f.sup.spawns.Load())
	assert.Equal(t, int32(1), f.plugin.probes.Load())
}

func TestStartModelUnknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneModel)
	ok, why := f.ctrl.StartModel(context.Background(), "ghost")
	assert.False(t, ok)
	assert.NotEmpty(t, why)
}

func TestFailedLoadRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneModel)
	f.plugin.healthy.Store(false)

	ok, why := f.ctrl.StartModel(context.Background(), "m")
	require.False(t, ok)
	assert.Contains(t, why, "probe failed")
	status, _ := f.ctrl.Status("m")
	assert.Equal(t, domain.StatusFailed, status)
	// failed probe tears the process down
	assert.Equal(t, 1, f.sup.stopCount())

	// a later attempt starts from scratch and can succeed
	f.plugin.healthy.Store(true)
	ok, why = f.ctrl.StartModel(context.Background(), "m")
	require.True(t, ok, why)
	status, _ = f.ctrl.Status("m")
	assert.Equal(t, domain.StatusRouting, status)
}

func TestAdmissionRejectsWithoutCandidates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, twoModels)
	f.cpu.avail.Store(100)

	ok, why := f.ctrl.StartModel(context.Background(), "b")
	require.False(t, ok)
	assert.Contains(t, why, "insufficient device memory")
	assert.Zero(t, f.sup.spawns.Load())
}

func TestAdmissionEvictsIdleModel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, twoModels)

	ok, _ := f.ctrl.StartModel(context.Background(), "a")
	require.True(t, ok)

	// not enough room for b until a is stopped
	f.cpu.avail.Store(100)
	go func() {
		// stopping a "frees" its memory
		for f.sup.IsAlive("model_a") {
			time.Sleep(20 * time.Millisecond)
		}
		f.cpu.avail.Store(30000)
	}()

	ok, why := f.ctrl.StartModel(context.Background(), "b")
	require.True(t, ok, why)

	statusA, _ := f.ctrl.Status("a")
	statusB, _ := f.ctrl.Status("b")
	assert.Equal(t, domain.StatusStopped, statusA)
	assert.Equal(t, domain.StatusRouting, statusB)
}

func TestEvictionSkipsModelsWithPendingRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, twoModels)

	ok, _ := f.ctrl.StartModel(context.Background(), "a")
	require.True(t, ok)
	f.ctrl.IncrementPending("a")

	f.cpu.avail.Store(100)
	ok, why := f.ctrl.StartModel(context.Background(), "b")
	require.False(t, ok)
	assert.Contains(t, why, "insufficient device memory")

	statusA, _ := f.ctrl.Status("a")
	assert.Equal(t, domain.StatusRouting, statusA)
}

const fourModels = `
models:
  e1:
    aliases: [e1]
    mode: Chat
    port: 18211
    variants:
      - name: default
        required_devices: [cpu]
        script_path: run_e1.sh
  e2:
    aliases: [e2]
    mode: Chat
    port: 18212
    variants:
      - name: default
        required_devices: [cpu]
        script_path: run_e2.sh
  e3:
    aliases: [e3]
    mode: Chat
    port: 18213
    variants:
      - name: default
        required_devices: [cpu]
        script_path: run_e3.sh
  d:
    aliases: [d]
    mode: Chat
    port: 18214
    variants:
      - name: default
        required_devices: [cpu]
        script_path: run_d.sh
        memory_mb:
          cpu: 15000
`

func TestAdmissionEvictsUntilEnoughMemoryFreed(t *testing.T) {
	old := evictionSettle
	evictionSettle = 10 * time.Millisecond
	defer func() { evictionSettle = old }()

	f := newFixture(t, fourModels)
	for _, name := range []string{"e1", "e2", "e3"} {
		ok, why := f.ctrl.StartModel(context.Background(), name)
		require.True(t, ok, why)
	}

	// every stopped backend frees its share; three must go before d fits
	f.cpu.availFn = func() int64 { return 100 + 5000*int64(f.sup.stopCount()) }

	ok, why := f.ctrl.StartModel(context.Background(), "d")
	require.True(t, ok, why)
	assert.Equal(t, 3, f.sup.stopCount())

	for _, name := range []string{"e1", "e2", "e3"} {
		status, _ := f.ctrl.Status(name)
		assert.Equal(t, domain.StatusStopped, status, name)
	}
	statusD, _ := f.ctrl.Status("d")
	assert.Equal(t, domain.StatusRouting, statusD)
}

func TestStopModelIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneModel)

	ok, _ := f.ctrl.StopModel("m")
	assert.True(t, ok, "stopping a stopped model succeeds")

	ok, _ = f.ctrl.StartModel(context.Background(), "m")
	require.True(t, ok)
	ok, _ = f.ctrl.StopModel("m")
	require.True(t, ok)
	status, _ := f.ctrl.Status("m")
	assert.Equal(t, domain.StatusStopped, status)

	f.runtime.mu.Lock()
	assert.Equal(t, []string{"m"}, f.runtime.ends)
	f.runtime.mu.Unlock()

	ok, _ = f.ctrl.StopModel("m")
	assert.True(t, ok)
}

func TestPendingAccounting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneModel)

	f.ctrl.IncrementPending("m")
	f.ctrl.IncrementPending("m")
	f.ctrl.MarkRequestCompleted("m")

	infos := f.ctrl.ListStatus()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].Pending)

	// completion never drives the count negative
	f.ctrl.MarkRequestCompleted("m")
	f.ctrl.MarkRequestCompleted("m")
	infos = f.ctrl.ListStatus()
	assert.Equal(t, 0, infos[0].Pending)
}

func TestMarkStoppedOnlyAffectsRoutingModels(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneModel)

	f.ctrl.MarkStopped("m")
	status, _ := f.ctrl.Status("m")
	assert.Equal(t, domain.StatusStopped, status)

	ok, _ := f.ctrl.StartModel(context.Background(), "m")
	require.True(t, ok)
	f.ctrl.HandleProcessExit("model_m")
	status, _ = f.ctrl.Status("m")
	assert.Equal(t, domain.StatusStopped, status)
}

func TestUnloadAllStopsEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t, twoModels)

	ok, _ := f.ctrl.StartModel(context.Background(), "a")
	require.True(t, ok)
	ok, _ = f.ctrl.StartModel(context.Background(), "b")
	require.True(t, ok)

	f.ctrl.UnloadAll()
	statusA, _ := f.ctrl.Status("a")
	statusB, _ := f.ctrl.Status("b")
	assert.Equal(t, domain.StatusStopped, statusA)
	assert.Equal(t, domain.StatusStopped, statusB)
}

func TestIdleReaperStopsQuietModels(t *testing.T) {
	old := reaperInterval
	reaperInterval = 50 * time.Millisecond
	defer func() { reaperInterval = old }()

	f := newFixture(t, oneModel)
	ok, _ := f.ctrl.StartModel(context.Background(), "m")
	require.True(t, ok)

	// backdate the last access far beyond alive_time
	f.ctrl.mu.Lock()
	f.ctrl.records["m"].lastAccess = time.Now().Add(-2 * time.Hour)
	f.ctrl.mu.Unlock()

	require.Eventually(t, func() bool {
		status, _ := f.ctrl.Status("m")
		return status == domain.StatusStopped
	}, 5*time.Second, 25*time.Millisecond)
}
