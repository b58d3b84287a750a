package proc

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) sink(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestSpawnStreamsCombinedOutput(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(testLogger())
	defer s.Close()

	col := &lineCollector{}
	pid, err := s.Spawn("m1", "echo out-line; echo err-line 1>&2; sleep 5", t.TempDir(), col.sink)
	require.NoError(t, err)
	assert.Positive(t, pid)
	assert.Equal(t, pid, s.PID("m1"))

	require.Eventually(t, func() bool {
		lines := col.snapshot()
		return len(lines) >= 2
	}, 5*time.Second, 50*time.Millisecond)
	assert.ElementsMatch(t, []string{"out-line", "err-line"}, col.snapshot())
	assert.True(t, s.IsAlive("m1"))

	s.Stop("m1")
	assert.False(t, s.IsAlive("m1"))
	assert.Zero(t, s.PID("m1"))
}

func TestSpawnRejectsDuplicateName(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(testLogger())
	defer s.Close()

	_, err := s.Spawn("dup", "sleep 5", t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Stop("dup")

	_, err = s.Spawn("dup", "sleep 5", t.TempDir(), nil)
	assert.Error(t, err)
}

func TestStopUnknownNameIsNoOp(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(testLogger())
	defer s.Close()
	s.Stop("never-spawned")
}

func TestStopTerminatesProcessTree(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(testLogger())
	defer s.Close()

	// parent spawns a grandchild; Stop must take both down
	_, err := s.Spawn("tree", "sleep 60 & sleep 60", t.TempDir(), nil)
	require.NoError(t, err)
	require.True(t, s.IsAlive("tree"))

	done := make(chan struct{})
	go func() {
		s.Stop("tree")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(12 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.IsAlive("tree"))
}

func TestInfoRetainsStoppedRecord(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(testLogger())
	defer s.Close()

	_, err := s.Spawn("rec", "sleep 5", t.TempDir(), nil)
	require.NoError(t, err)

	info, ok := s.Info("rec")
	require.True(t, ok)
	assert.Equal(t, "running", info.Status)
	assert.Equal(t, "sleep 5", info.Command)
	assert.Positive(t, info.PID)
	assert.False(t, info.StartTime.IsZero())

	s.Stop("rec")

	info, ok = s.Info("rec")
	require.True(t, ok)
	assert.Equal(t, "stopped", info.Status)
	assert.Equal(t, "sleep 5", info.Command)
	assert.False(t, info.StopTime.IsZero())
	assert.True(t, !info.StopTime.Before(info.StartTime))

	_, ok = s.Info("never-spawned")
	assert.False(t, ok)
}

func TestStopAllTakesDownEveryChild(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(testLogger())
	defer s.Close()

	_, err := s.Spawn("a", "sleep 60", t.TempDir(), nil)
	require.NoError(t, err)
	_, err = s.Spawn("b", "sleep 60", t.TempDir(), nil)
	require.NoError(t, err)

	s.StopAll(15 * time.Second)
	assert.False(t, s.IsAlive("a"))
	assert.False(t, s.IsAlive("b"))
}

func TestExitHandlerFiresOnSilentDeath(t *testing.T) {
	old := livenessInterval
	livenessInterval = 100 * time.Millisecond
	defer func() { livenessInterval = old }()

	s := NewSupervisor(testLogger())
	defer s.Close()

	exited := make(chan string, 1)
	s.SetExitHandler(func(name string) { exited <- name })

	_, err := s.Spawn("short", "true", t.TempDir(), nil)
	require.NoError(t, err)

	select {
	case name := <-exited:
		assert.Equal(t, "short", name)
	case <-time.After(5 * time.Second):
		t.Fatal("exit handler never fired")
	}
	assert.False(t, s.IsAlive("short"))
}
