// Package device provides device plugins and the online-device registry.
// Plugins report memory in MB; the controller uses them for admission control
// and the config layer for adaptive variant selection.
package device

import (
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

const bytesPerMB = 1024 * 1024

// CPU reports host RAM. It is always online.
type CPU struct{}

// NewCPU returns the host-memory plugin.
func NewCPU() *CPU { return &CPU{} }

func (c *CPU) Name() string { return "cpu" }

func (c *CPU) IsOnline() bool { return true }

// MemoryInfo returns (total, available, used) host RAM in MB. On a read
// failure all three are zero; admission then rejects the load rather than
// overcommitting.
func (c *CPU) MemoryInfo() (int64, int64, int64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0
	}
	return int64(vm.Total) / bytesPerMB, int64(vm.Available) / bytesPerMB, int64(vm.Used) / bytesPerMB
}

var _ domain.DevicePlugin = (*CPU)(nil)
