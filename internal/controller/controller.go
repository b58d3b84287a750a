// Package controller owns the model lifecycle: the per-model state machine,
// the global load lock, memory admission with eviction, the idle reaper, and
// pending-request accounting.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-manager/internal/adapter/device"
	"github.com/fairyhunter13/llm-manager/internal/adapter/iface"
	"github.com/fairyhunter13/llm-manager/internal/adapter/proc"
	"github.com/fairyhunter13/llm-manager/internal/config"
	"github.com/fairyhunter13/llm-manager/internal/domain"
	"github.com/fairyhunter13/llm-manager/internal/observability"
)

const (
	// loadWaitDeadline bounds how long a caller waits for another load to
	// finish before giving up.
	loadWaitDeadline = 5 * time.Minute
	loadWaitPoll     = 500 * time.Millisecond

	runtimeUpdateInterval = 10 * time.Second

	processPrefix = "model_"
)

// reaperInterval and evictionSettle are vars so tests can shorten them.
var (
	reaperInterval = 30 * time.Second
	evictionSettle = 2 * time.Second
)

// Supervisor is the process layer the controller drives.
type Supervisor interface {
	Spawn(name, script, dir string, sink proc.LineSink) (int, error)
	Stop(name string)
	IsAlive(name string) bool
	PID(name string) int
}

type modelRecord struct {
	primary       string
	status        domain.ModelStatus
	pid           int
	pending       int
	lastAccess    time.Time
	configSource  string
	failureReason string
	logs          *logRing
}

// Controller coordinates model loading, unloading, and request accounting.
type Controller struct {
	log     *slog.Logger
	cfgMgr  *config.Manager
	devices *device.Registry
	ifaces  *iface.Registry
	sup     Supervisor
	runtime domain.RuntimeLedger // may be nil

	healthTimeout time.Duration

	// loadMu serializes loads process-wide: at most one model may be
	// starting, running its init script, or health checking at a time.
	loadMu sync.Mutex

	mu      sync.Mutex
	records map[string]*modelRecord
	// changed is closed and replaced on every state transition so waiters
	// can re-check their predicate promptly.
	changed chan struct{}

	bgCancel context.CancelFunc
	bgDone   sync.WaitGroup
}

// New builds the controller and starts its background loops (idle reaper,
// runtime-span updater).
func New(log *slog.Logger, cfgMgr *config.Manager, devices *device.Registry, ifaces *iface.Registry, sup Supervisor, runtime domain.RuntimeLedger, healthTimeout time.Duration) *Controller {
	c := &Controller{
		log:           log,
		cfgMgr:        cfgMgr,
		devices:       devices,
		ifaces:        ifaces,
		sup:           sup,
		runtime:       runtime,
		healthTimeout: healthTimeout,
		records:       make(map[string]*modelRecord),
		changed:       make(chan struct{}),
	}
	for _, name := range cfgMgr.ModelNames() {
		c.records[name] = &modelRecord{
			primary: name,
			status:  domain.StatusStopped,
			logs:    newLogRing(),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.bgCancel = cancel
	c.bgDone.Add(2)
	go c.reapIdle(ctx)
	go c.updateRuntimes(ctx)
	return c
}

// HandleProcessExit is the supervisor's out-of-band death callback.
func (c *Controller) HandleProcessExit(name string) {
	primary := strings.TrimPrefix(name, processPrefix)
	c.MarkStopped(primary)
}

func processName(primary string) string { return processPrefix + primary }

// signalChange wakes every predicate waiter. Callers hold c.mu.
func (c *Controller) signalChange() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// StartModel brings primary to routing, loading it if needed. Returns false
// with a reason on failure. Concurrent callers for the same model converge on
// one load; callers for different models queue on the global load lock.
func (c *Controller) StartModel(ctx context.Context, primary string) (bool, string) {
	c.mu.Lock()
	rec, ok := c.records[primary]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Sprintf("unknown model %q", primary)
	}

	deadline := time.Now().Add(loadWaitDeadline)
	for {
		c.mu.Lock()
		status := rec.status
		waitCh := c.changed
		c.mu.Unlock()

		switch {
		case status == domain.StatusRouting:
			return true, ""
		case status.Loading():
			// Another goroutine owns this model's load; wait for it.
		default:
			// stopped or failed: try to take the load path ourselves. A
			// prior failure does not poison the record; a fresh attempt
			// may succeed after conditions change.
			if c.loadMu.TryLock() {
				ok, why := c.load(ctx, rec)
				c.loadMu.Unlock()
				c.mu.Lock()
				c.signalChange()
				c.mu.Unlock()
				return ok, why
			}
		}

		if time.Now().After(deadline) {
			return false, "timed out waiting for another model load to finish"
		}
		select {
		case <-ctx.Done():
			return false, "request canceled while waiting for model load"
		case <-waitCh:
		case <-time.After(loadWaitPoll):
		}
	}
}

// load runs the full load path for rec. Caller holds loadMu.
func (c *Controller) load(ctx context.Context, rec *modelRecord) (bool, string) {
	// Re-check under the state lock: a waiter may have completed this
	// model's load between our predicate check and lock acquisition.
	c.mu.Lock()
	if rec.status == domain.StatusRouting {
		c.mu.Unlock()
		return true, ""
	}
	if rec.status.Loading() {
		c.mu.Unlock()
		return false, "model load already in progress"
	}
	rec.status = domain.StatusStarting
	rec.failureReason = ""
	c.signalChange()
	c.mu.Unlock()

	started := time.Now()
	primary := rec.primary

	ac, ok := c.cfgMgr.AdaptiveConfig(primary, c.devices.OnlineNames())
	if !ok {
		return false, c.failLoad(rec, "no variant has all required devices online")
	}

	if !c.cfgMgr.Program().DisableGPUMonitoring {
		if why, ok := c.admit(ac); !ok {
			return false, c.failLoad(rec, why)
		}
	}

	sink := func(line string) { rec.logs.Append(line) }
	pid, err := c.sup.Spawn(processName(primary), ac.ScriptPath, c.cfgMgr.Dir(), sink)
	if err != nil {
		return false, c.failLoad(rec, fmt.Sprintf("spawn failed: %v", err))
	}

	c.mu.Lock()
	rec.status = domain.StatusInitScript
	rec.pid = pid
	rec.configSource = ac.Source
	c.signalChange()
	c.mu.Unlock()

	plugin, ok := c.ifaces.Get(ac.Mode)
	if !ok {
		c.sup.Stop(processName(primary))
		return false, c.failLoad(rec, fmt.Sprintf("no interface plugin for mode %s", ac.Mode))
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), c.healthTimeout)
	defer cancel()
	onShallow := func() {
		c.mu.Lock()
		if rec.status == domain.StatusInitScript {
			rec.status = domain.StatusHealthCheck
			c.signalChange()
		}
		c.mu.Unlock()
	}
	healthy, why := plugin.HealthCheck(probeCtx, primary, ac.Port, onShallow)
	if !healthy {
		c.sup.Stop(processName(primary))
		return false, c.failLoad(rec, why)
	}

	c.mu.Lock()
	rec.status = domain.StatusRouting
	rec.lastAccess = time.Now()
	c.signalChange()
	c.mu.Unlock()

	if c.runtime != nil {
		now := float64(time.Now().UnixNano()) / 1e9
		if err := c.runtime.StartRuntime(context.Background(), primary, now); err != nil {
			c.log.Warn("runtime span not recorded", slog.String("model", primary), slog.Any("error", err))
		}
	}

	observability.ModelLoadsTotal.WithLabelValues(primary, "ok").Inc()
	observability.ModelLoadDuration.WithLabelValues(primary).Observe(time.Since(started).Seconds())
	observability.ModelsRouting.Inc()
	c.log.Info("model routing",
		slog.String("model", primary),
		slog.Int("pid", pid),
		slog.String("variant", ac.Source),
		slog.Duration("load_time", time.Since(started)))
	return true, ""
}

func (c *Controller) failLoad(rec *modelRecord, why string) string {
	c.mu.Lock()
	rec.status = domain.StatusFailed
	rec.failureReason = why
	rec.pid = 0
	c.signalChange()
	c.mu.Unlock()
	observability.ModelLoadsTotal.WithLabelValues(rec.primary, "failed").Inc()
	c.log.Warn("model load failed", slog.String("model", rec.primary), slog.String("reason", why))
	return why
}

// admit checks that every device in the variant's memory demand has the room.
// On a shortfall it stops idle models oldest-first, one at a time with a
// settle pause so the driver can release the memory, re-checking after each
// stop. Fails only once the candidate pool is exhausted while still short;
// free memory is observed, never predicted. Caller holds loadMu.
func (c *Controller) admit(ac *config.AdaptiveConfig) (string, bool) {
	if len(ac.MemoryMB) == 0 {
		return "", true
	}
	for {
		short := c.memoryShortfall(ac.MemoryMB)
		if short == "" {
			return "", true
		}
		if !c.evictOne() {
			return "insufficient device memory: " + short, false
		}
		time.Sleep(evictionSettle)
	}
}

func (c *Controller) memoryShortfall(demand map[string]int64) string {
	for name, needMB := range demand {
		plugin, ok := c.devices.Get(name)
		if !ok || !plugin.IsOnline() {
			return fmt.Sprintf("device %s offline", name)
		}
		_, avail, _ := plugin.MemoryInfo()
		if avail < needMB {
			return fmt.Sprintf("device %s has %d MB free, need %d MB", name, avail, needMB)
		}
	}
	return ""
}

// evictOne stops the longest-idle routing model with no in-flight requests.
// Returns false when there is no candidate.
func (c *Controller) evictOne() bool {
	c.mu.Lock()
	var victim *modelRecord
	for _, rec := range c.records {
		if rec.status != domain.StatusRouting || rec.pending > 0 {
			continue
		}
		if victim == nil || rec.lastAccess.Before(victim.lastAccess) {
			victim = rec
		}
	}
	c.mu.Unlock()
	if victim == nil {
		return false
	}
	c.log.Info("evicting idle model", slog.String("model", victim.primary))
	c.stopRecord(victim)
	observability.ModelEvictionsTotal.Inc()
	return true
}

// StopModel stops primary. Stopping an already-stopped model succeeds;
// stopping a loading model is refused.
func (c *Controller) StopModel(primary string) (bool, string) {
	c.mu.Lock()
	rec, ok := c.records[primary]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Sprintf("unknown model %q", primary)
	}
	status := rec.status
	c.mu.Unlock()

	switch {
	case status == domain.StatusStopped || status == domain.StatusFailed:
		return true, ""
	case status.Loading():
		return false, "model is loading; retry when the load finishes"
	}
	c.stopRecord(rec)
	return true, ""
}

// stopRecord transitions rec to stopped and tears its process down. The
// status flips before the process dies so the router stops admitting new
// requests immediately.
func (c *Controller) stopRecord(rec *modelRecord) {
	c.mu.Lock()
	wasRouting := rec.status == domain.StatusRouting
	rec.status = domain.StatusStopped
	rec.pid = 0
	rec.failureReason = ""
	c.signalChange()
	c.mu.Unlock()

	c.sup.Stop(processName(rec.primary))

	if wasRouting {
		observability.ModelsRouting.Dec()
		if c.runtime != nil {
			now := float64(time.Now().UnixNano()) / 1e9
			if err := c.runtime.UpdateRuntimeEnd(context.Background(), rec.primary, now); err != nil {
				c.log.Warn("runtime span not closed", slog.String("model", rec.primary), slog.Any("error", err))
			}
		}
	}
	c.log.Info("model stopped", slog.String("model", rec.primary))
}

// MarkStopped handles a backend that died out-of-band: a routing model
// transitions to stopped so the next request reloads it. Deaths during a load
// surface through the health probe instead.
func (c *Controller) MarkStopped(primary string) {
	c.mu.Lock()
	rec, ok := c.records[primary]
	if !ok || rec.status != domain.StatusRouting {
		c.mu.Unlock()
		return
	}
	rec.status = domain.StatusStopped
	rec.pid = 0
	c.signalChange()
	c.mu.Unlock()

	observability.ModelsRouting.Dec()
	if c.runtime != nil {
		now := float64(time.Now().UnixNano()) / 1e9
		if err := c.runtime.UpdateRuntimeEnd(context.Background(), primary, now); err != nil {
			c.log.Warn("runtime span not closed", slog.String("model", primary), slog.Any("error", err))
		}
	}
	c.log.Warn("model backend died", slog.String("model", primary))
}

// IncrementPending records one admitted request.
func (c *Controller) IncrementPending(primary string) {
	c.mu.Lock()
	if rec, ok := c.records[primary]; ok {
		rec.pending++
		rec.lastAccess = time.Now()
		observability.PendingRequests.WithLabelValues(primary).Set(float64(rec.pending))
	}
	c.mu.Unlock()
}

// MarkRequestCompleted records one finished request.
func (c *Controller) MarkRequestCompleted(primary string) {
	c.mu.Lock()
	if rec, ok := c.records[primary]; ok {
		if rec.pending > 0 {
			rec.pending--
		}
		rec.lastAccess = time.Now()
		observability.PendingRequests.WithLabelValues(primary).Set(float64(rec.pending))
	}
	c.mu.Unlock()
}

// StartAutoStart kicks off loads for every auto_start model. Loads still
// serialize on the load lock.
func (c *Controller) StartAutoStart(ctx context.Context) {
	for _, name := range c.cfgMgr.ModelNames() {
		mc, ok := c.cfgMgr.Model(name)
		if !ok || !mc.AutoStart {
			continue
		}
		go func(primary string) {
			if ok, why := c.StartModel(ctx, primary); !ok {
				c.log.Warn("auto-start failed", slog.String("model", primary), slog.String("reason", why))
			}
		}(name)
	}
}

// UnloadAll stops every running model in parallel. Used at shutdown.
func (c *Controller) UnloadAll() {
	c.mu.Lock()
	var targets []*modelRecord
	for _, rec := range c.records {
		if rec.status.Running() || rec.status == domain.StatusStarting {
			targets = append(targets, rec)
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range targets {
		wg.Add(1)
		go func(r *modelRecord) {
			defer wg.Done()
			c.stopRecord(r)
		}(rec)
	}
	wg.Wait()
}

// ListStatus returns the operator view of every configured model, in config
// order.
func (c *Controller) ListStatus() []domain.ModelStatusInfo {
	names := c.cfgMgr.ModelNames()
	out := make([]domain.ModelStatusInfo, 0, len(names))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		rec, ok := c.records[name]
		if !ok {
			continue
		}
		mc, _ := c.cfgMgr.Model(name)
		info := domain.ModelStatusInfo{
			Name:          name,
			Status:        rec.status,
			PID:           rec.pid,
			Pending:       rec.pending,
			ConfigSource:  rec.configSource,
			FailureReason: rec.failureReason,
		}
		if mc != nil {
			info.Aliases = append([]string(nil), mc.Aliases...)
			info.Mode = mc.Mode
		}
		if rec.status == domain.StatusRouting && !rec.lastAccess.IsZero() {
			info.IdleSeconds = time.Since(rec.lastAccess).Seconds()
		}
		out = append(out, info)
	}
	return out
}

// GetLog returns the retained output lines for primary.
func (c *Controller) GetLog(primary string) ([]domain.LogEntry, bool) {
	c.mu.Lock()
	rec, ok := c.records[primary]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rec.logs.Entries(), true
}

// Status returns the current lifecycle state of primary.
func (c *Controller) Status(primary string) (domain.ModelStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[primary]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// reapIdle stops routing models with no in-flight requests that have been
// idle longer than the configured alive time. A zero alive time disables
// reaping.
func (c *Controller) reapIdle(ctx context.Context) {
	defer c.bgDone.Done()
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		aliveTime := c.cfgMgr.AliveTime()
		if aliveTime <= 0 {
			continue
		}

		c.mu.Lock()
		var idle []*modelRecord
		for _, rec := range c.records {
			if rec.status == domain.StatusRouting && rec.pending == 0 &&
				time.Since(rec.lastAccess) > aliveTime {
				idle = append(idle, rec)
			}
		}
		c.mu.Unlock()

		for _, rec := range idle {
			c.log.Info("reaping idle model", slog.String("model", rec.primary))
			c.stopRecord(rec)
			observability.ModelIdleReapsTotal.Inc()
		}
	}
}

// updateRuntimes advances the open runtime span of every routing model so a
// crash loses at most one interval.
func (c *Controller) updateRuntimes(ctx context.Context) {
	defer c.bgDone.Done()
	if c.runtime == nil {
		return
	}
	ticker := time.NewTicker(runtimeUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		var routing []string
		for name, rec := range c.records {
			if rec.status == domain.StatusRouting {
				routing = append(routing, name)
			}
		}
		c.mu.Unlock()

		now := float64(time.Now().UnixNano()) / 1e9
		for _, name := range routing {
			if err := c.runtime.UpdateRuntimeEnd(ctx, name, now); err != nil {
				c.log.Warn("runtime span update failed", slog.String("model", name), slog.Any("error", err))
			}
		}
	}
}

// Close stops the background loops. Running models are left to UnloadAll.
func (c *Controller) Close() {
	c.bgCancel()
	c.bgDone.Wait()
}

var _ domain.Controller = (*Controller)(nil)
