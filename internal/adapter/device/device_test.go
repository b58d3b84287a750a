package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	name   string
	online bool
	total  int64
	avail  int64
	used   int64
}

func (d *fakeDevice) Name() string                    { return d.name }
func (d *fakeDevice) IsOnline() bool                  { return d.online }
func (d *fakeDevice) MemoryInfo() (int64, int64, int64) { return d.total, d.avail, d.used }

func TestRegistryOnlineNames(t *testing.T) {
	t.Parallel()
	r := NewRegistry(
		&fakeDevice{name: "cpu", online: true, total: 64000, avail: 32000, used: 32000},
		&fakeDevice{name: "gpu_0", online: true, total: 24000, avail: 20000, used: 4000},
		&fakeDevice{name: "gpu_1", online: false},
	)

	online := r.OnlineNames()
	assert.Contains(t, online, "cpu")
	assert.Contains(t, online, "gpu_0")
	assert.NotContains(t, online, "gpu_1")

	_, ok := r.Get("gpu_0")
	assert.True(t, ok)
	_, ok = r.Get("tpu")
	assert.False(t, ok)
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	t.Parallel()
	r := NewRegistry(
		&fakeDevice{name: "gpu_0", online: true, total: 24000, avail: 20000, used: 4000},
		&fakeDevice{name: "cpu", online: true, total: 64000, avail: 48000, used: 16000},
	)
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "cpu", snap[0].Name)
	assert.Equal(t, "gpu_0", snap[1].Name)
	assert.Equal(t, int64(20000), snap[1].AvailableMB)
	assert.True(t, snap[0].Online)
}

func TestCPUAlwaysOnline(t *testing.T) {
	t.Parallel()
	cpu := NewCPU()
	assert.Equal(t, "cpu", cpu.Name())
	assert.True(t, cpu.IsOnline())
	total, avail, used := cpu.MemoryInfo()
	assert.Positive(t, total)
	assert.GreaterOrEqual(t, total, avail)
	assert.GreaterOrEqual(t, total, used)
}

func TestParseSmiOutput(t *testing.T) {
	t.Parallel()
	out := "0, 24576, 20480, 4096\n1, 24576, 1024, 23552\n\ngarbage line\n2, x, 1, 2\n"
	samples := parseSmiOutput(out)
	require.Len(t, samples, 2)
	assert.Equal(t, int64(24576), samples[0].totalMB)
	assert.Equal(t, int64(20480), samples[0].freeMB)
	assert.True(t, samples[1].online)
	_, ok := samples[2]
	assert.False(t, ok)
}
