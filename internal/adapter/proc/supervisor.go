// Package proc supervises launch-script child processes: spawn into a fresh
// process group, stream combined output to a per-process sink, detect silent
// deaths, and tear whole process trees down on stop.
package proc

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	gracefulWait   = 5 * time.Second
	killWait       = 3 * time.Second
	maxStoppedKept = 50
)

// livenessInterval is a var so tests can shorten the sweep.
var livenessInterval = 10 * time.Second

// LineSink receives one line of a child's combined stdout/stderr.
type LineSink func(line string)

// ExitHandler is called when a supervised process is observed dead without a
// Stop call, keyed by the logical name it was spawned under.
type ExitHandler func(name string)

// ProcessInfo is a point-in-time view of a tracked or recently stopped child.
type ProcessInfo struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Status    string    `json:"status"` // running, stopping, stopped
	Command   string    `json:"command"`
	StartTime time.Time `json:"start_time"`
	StopTime  time.Time `json:"stop_time,omitempty"`
	ExitCode  int       `json:"exit_code"`
}

type child struct {
	name      string
	pid       int
	cmd       *exec.Cmd
	command   string
	startTime time.Time
	exitCode  int  // written under mu before done closes
	stopped   bool // Stop in progress; liveness sweep must not report it
	done      chan struct{}
}

// Supervisor spawns and tracks launch scripts. One supervisor serves the whole
// fleet; children are keyed by logical name.
type Supervisor struct {
	log    *slog.Logger
	onExit ExitHandler

	mu       sync.Mutex
	children map[string]*child
	// records of recently stopped children, oldest first, bounded
	stopped []ProcessInfo

	sweepCancel context.CancelFunc
}

// NewSupervisor creates a supervisor and starts its liveness sweep.
func NewSupervisor(log *slog.Logger) *Supervisor {
	s := &Supervisor{
		log:      log,
		children: make(map[string]*child),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.sweep(ctx)
	return s
}

// SetExitHandler installs the out-of-band death callback. Must be called
// before the first Spawn.
func (s *Supervisor) SetExitHandler(h ExitHandler) { s.onExit = h }

// Spawn runs script through the shell in dir, in its own process group, and
// streams its combined output to sink line by line. Returns the child PID.
func (s *Supervisor) Spawn(name, script, dir string, sink LineSink) (int, error) {
	s.mu.Lock()
	if _, exists := s.children[name]; exists {
		s.mu.Unlock()
		return 0, fmt.Errorf("op=proc.Spawn: %s already running", name)
	}
	s.mu.Unlock()

	cmd := exec.Command("sh", "-c", script)
	cmd.Dir = dir
	// Fresh process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("op=proc.Spawn stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("op=proc.Spawn start %s: %w", name, err)
	}

	c := &child{
		name:      name,
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		command:   script,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.children[name] = c
	s.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if sink != nil {
				sink(scanner.Text())
			}
		}
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if err != nil {
			code = -1
		}
		s.mu.Lock()
		c.exitCode = code
		s.mu.Unlock()
		close(c.done)
	}()

	s.log.Info("process spawned", slog.String("name", name), slog.Int("pid", c.pid))
	return c.pid, nil
}

// IsAlive reports whether the child spawned under name is still tracked and
// its process has not exited.
func (s *Supervisor) IsAlive(name string) bool {
	s.mu.Lock()
	c, ok := s.children[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// PID returns the child PID for name, or 0.
func (s *Supervisor) PID(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.children[name]; ok {
		return c.pid
	}
	return 0
}

// Info returns the process record for name: the live child if tracked,
// otherwise the most recent retained stopped record.
func (s *Supervisor) Info(name string) (ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.children[name]; ok {
		status := "running"
		if c.stopped {
			status = "stopping"
		}
		return ProcessInfo{
			Name:      c.name,
			PID:       c.pid,
			Status:    status,
			Command:   c.command,
			StartTime: c.startTime,
		}, true
	}
	for i := len(s.stopped) - 1; i >= 0; i-- {
		if s.stopped[i].Name == name {
			return s.stopped[i], true
		}
	}
	return ProcessInfo{}, false
}

// retire moves a child's record to the bounded stopped list. Caller holds mu.
func (s *Supervisor) retire(c *child) {
	s.stopped = append(s.stopped, ProcessInfo{
		Name:      c.name,
		PID:       c.pid,
		Status:    "stopped",
		Command:   c.command,
		StartTime: c.startTime,
		StopTime:  time.Now(),
		ExitCode:  c.exitCode,
	})
	if len(s.stopped) > maxStoppedKept {
		s.stopped = s.stopped[len(s.stopped)-maxStoppedKept:]
	}
}

// Stop terminates the child spawned under name and its whole process tree:
// SIGTERM to the group, a bounded wait, then SIGKILL of every descendant.
// Idempotent; stopping an unknown name is a no-op.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	c, ok := s.children[name]
	if ok {
		c.stopped = true
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	pgid := c.pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-c.done:
	case <-time.After(gracefulWait):
		s.killTree(c)
	}

	s.mu.Lock()
	delete(s.children, name)
	s.retire(c)
	s.mu.Unlock()

	s.log.Info("process stopped", slog.String("name", name), slog.Int("pid", c.pid))
}

// StopAll stops every tracked child in parallel, waiting up to deadline for
// the whole fleet to go down.
func (s *Supervisor) StopAll(deadline time.Duration) {
	s.mu.Lock()
	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	s.mu.Unlock()
	if len(names) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			s.Stop(n)
		}(name)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		s.log.Warn("stop-all deadline exceeded", slog.Int("children", len(names)))
	}
}

// killTree force-kills descendants first, then the root, then falls back to a
// group-wide SIGKILL. Survivors after the wait window are logged and abandoned.
func (s *Supervisor) killTree(c *child) {
	if p, err := process.NewProcess(int32(c.pid)); err == nil {
		if kids, err := p.Children(); err == nil {
			for _, kid := range kids {
				_ = kid.Kill()
			}
		}
		_ = p.Kill()
	}
	_ = syscall.Kill(-c.pid, syscall.SIGKILL)

	select {
	case <-c.done:
	case <-time.After(killWait):
		s.log.Warn("process survived SIGKILL wait", slog.String("name", c.name), slog.Int("pid", c.pid))
	}
}

// sweep periodically reports children that exited without a Stop call.
func (s *Supervisor) sweep(ctx context.Context) {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var dead []string
		s.mu.Lock()
		for name, c := range s.children {
			if c.stopped {
				continue
			}
			select {
			case <-c.done:
				dead = append(dead, name)
				delete(s.children, name)
				s.retire(c)
			default:
			}
		}
		s.mu.Unlock()

		for _, name := range dead {
			s.log.Warn("process exited unexpectedly", slog.String("name", name))
			if s.onExit != nil {
				s.onExit(name)
			}
		}
	}
}

// Close stops the liveness sweep. Children are not touched; callers stop them
// explicitly during shutdown.
func (s *Supervisor) Close() {
	s.sweepCancel()
}
