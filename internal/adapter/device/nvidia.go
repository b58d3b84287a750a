package device

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

const (
	nvidiaSmiTimeout = 2 * time.Second
	nvidiaCacheTTL   = 5 * time.Second
)

type gpuSample struct {
	totalMB int64
	freeMB  int64
	usedMB  int64
	online  bool
}

// nvidiaQuerier shells out to nvidia-smi and caches one sample per GPU index.
// All NVIDIA plugins on a host share a single querier so a fleet of GPUs costs
// one subprocess per TTL, not one per plugin call.
type nvidiaQuerier struct {
	mu      sync.Mutex
	samples map[int]gpuSample
	fetched time.Time

	// runSmi is replaceable in tests.
	runSmi func(ctx context.Context) ([]byte, error)
}

func newNvidiaQuerier() *nvidiaQuerier {
	return &nvidiaQuerier{
		runSmi: func(ctx context.Context) ([]byte, error) {
			cmd := exec.CommandContext(ctx, "nvidia-smi",
				"--query-gpu=index,memory.total,memory.free,memory.used",
				"--format=csv,noheader,nounits")
			return cmd.Output()
		},
	}
}

func (q *nvidiaQuerier) sample(index int) gpuSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if time.Since(q.fetched) > nvidiaCacheTTL {
		q.refreshLocked()
	}
	return q.samples[index]
}

func (q *nvidiaQuerier) refreshLocked() {
	q.fetched = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), nvidiaSmiTimeout)
	defer cancel()
	out, err := q.runSmi(ctx)
	if err != nil {
		// Tool missing or GPUs fell off the bus: everything goes offline.
		q.samples = nil
		return
	}
	q.samples = parseSmiOutput(string(out))
}

func parseSmiOutput(out string) map[int]gpuSample {
	samples := make(map[int]gpuSample)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) != 4 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		total, err1 := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		free, err2 := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		used, err3 := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		samples[index] = gpuSample{totalMB: total, freeMB: free, usedMB: used, online: true}
	}
	return samples
}

// NvidiaGPU reports memory for one GPU index via the shared querier. Device
// names are "gpu_0", "gpu_1", ...
type NvidiaGPU struct {
	index   int
	querier *nvidiaQuerier
}

func (g *NvidiaGPU) Name() string { return fmt.Sprintf("gpu_%d", g.index) }

func (g *NvidiaGPU) IsOnline() bool { return g.querier.sample(g.index).online }

func (g *NvidiaGPU) MemoryInfo() (int64, int64, int64) {
	s := g.querier.sample(g.index)
	return s.totalMB, s.freeMB, s.usedMB
}

var _ domain.DevicePlugin = (*NvidiaGPU)(nil)

// DiscoverNvidia probes nvidia-smi once and returns one plugin per GPU found.
// A host without the tool or without GPUs yields an empty slice.
func DiscoverNvidia() []domain.DevicePlugin {
	q := newNvidiaQuerier()
	q.mu.Lock()
	q.refreshLocked()
	samples := q.samples
	q.mu.Unlock()

	plugins := make([]domain.DevicePlugin, 0, len(samples))
	for index := range samples {
		plugins = append(plugins, &NvidiaGPU{index: index, querier: q})
	}
	return plugins
}
