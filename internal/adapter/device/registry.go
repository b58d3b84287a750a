package device

import (
	"sort"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

// Registry holds the discovered device plugins. The set is fixed at startup;
// online status and memory are sampled live on each query.
type Registry struct {
	plugins map[string]domain.DevicePlugin
	order   []string
}

// NewRegistry indexes plugins by name. Later duplicates win.
func NewRegistry(plugins ...domain.DevicePlugin) *Registry {
	r := &Registry{plugins: make(map[string]domain.DevicePlugin, len(plugins))}
	for _, p := range plugins {
		if _, seen := r.plugins[p.Name()]; !seen {
			r.order = append(r.order, p.Name())
		}
		r.plugins[p.Name()] = p
	}
	sort.Strings(r.order)
	return r
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (domain.DevicePlugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// OnlineNames returns the set of currently-online device names. Used for
// adaptive variant selection.
func (r *Registry) OnlineNames() map[string]struct{} {
	online := make(map[string]struct{}, len(r.plugins))
	for name, p := range r.plugins {
		if p.IsOnline() {
			online[name] = struct{}{}
		}
	}
	return online
}

// DeviceInfo is the operator-facing snapshot of one device.
type DeviceInfo struct {
	Name        string `json:"name"`
	Online      bool   `json:"online"`
	TotalMB     int64  `json:"total_mb"`
	AvailableMB int64  `json:"available_mb"`
	UsedMB      int64  `json:"used_mb"`
}

// Snapshot samples every plugin for the devices endpoint, in name order.
func (r *Registry) Snapshot() []DeviceInfo {
	out := make([]DeviceInfo, 0, len(r.order))
	for _, name := range r.order {
		p := r.plugins[name]
		total, avail, used := p.MemoryInfo()
		out = append(out, DeviceInfo{
			Name:        name,
			Online:      p.IsOnline(),
			TotalMB:     total,
			AvailableMB: avail,
			UsedMB:      used,
		})
	}
	return out
}
