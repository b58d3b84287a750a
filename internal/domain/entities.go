package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("unavailable")
	ErrUpstreamDown = errors.New("upstream down")
	ErrInternal     = errors.New("internal error")
)

// ModelMode enumerates the supported backend interface modes.
type ModelMode string

const (
	ModeChat      ModelMode = "Chat"
	ModeBase      ModelMode = "Base"
	ModeEmbedding ModelMode = "Embedding"
	ModeReranker  ModelMode = "Reranker"
)

// Valid reports whether m is one of the recognized modes.
func (m ModelMode) Valid() bool {
	switch m {
	case ModeChat, ModeBase, ModeEmbedding, ModeReranker:
		return true
	}
	return false
}

// Endpoint returns the canonical path suffix served by backends of this mode.
func (m ModelMode) Endpoint() string {
	switch m {
	case ModeChat:
		return "v1/chat/completions"
	case ModeBase:
		return "v1/completions"
	case ModeEmbedding:
		return "v1/embeddings"
	case ModeReranker:
		return "v1/rerank"
	}
	return ""
}

// ModelStatus is the per-model lifecycle state.
type ModelStatus string

const (
	StatusStopped     ModelStatus = "stopped"
	StatusStarting    ModelStatus = "starting"
	StatusInitScript  ModelStatus = "init_script"
	StatusHealthCheck ModelStatus = "health_check"
	StatusRouting     ModelStatus = "routing"
	StatusFailed      ModelStatus = "failed"
)

// Loading reports whether the model currently holds the load path.
func (s ModelStatus) Loading() bool {
	return s == StatusStarting || s == StatusInitScript || s == StatusHealthCheck
}

// Running reports whether a child process is expected to be alive.
func (s ModelStatus) Running() bool {
	return s == StatusInitScript || s == StatusHealthCheck || s == StatusRouting
}

// DevicePlugin reports online status and memory for one device class.
// Implementations must not block for more than a few milliseconds in the
// typical case; transient errors map to offline and zeroed memory.
type DevicePlugin interface {
	Name() string
	IsOnline() bool
	// MemoryInfo returns (total, available, used) in MB.
	MemoryInfo() (int64, int64, int64)
}

// InterfacePlugin validates request paths and probes backend health for one
// model mode.
type InterfacePlugin interface {
	Mode() ModelMode
	SupportedEndpoints() []string
	// ValidateRequest reports whether path is served by this mode.
	ValidateRequest(path, primary string) (bool, string)
	// HealthCheck probes a freshly spawned backend in two phases: a shallow
	// "server is up" poll, then a minimal functional call of the mode. Any
	// 2xx in the deep phase is success. onShallowOK, if non-nil, fires once
	// when the shallow phase passes. The probe runs until ctx expires.
	HealthCheck(ctx context.Context, primary string, port int, onShallowOK func()) (bool, string)
}

// TokenUsage is the 4-tuple extracted from a backend response.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	CacheN       int64
	PromptN      int64
}

// IsZero reports whether no counter was extracted.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheN == 0 && u.PromptN == 0
}

// RequestRecord is one durable per-request ledger row. Times are wall-clock
// seconds.
type RequestRecord struct {
	StartTime    float64 `db:"start_time"`
	EndTime      float64 `db:"end_time"`
	InputTokens  int64   `db:"input_tokens"`
	OutputTokens int64   `db:"output_tokens"`
	CacheN       int64   `db:"cache_n"`
	PromptN      int64   `db:"prompt_n"`
}

// RequestLedger is the router-side ledger port.
type RequestLedger interface {
	AddRequest(ctx context.Context, model string, rec RequestRecord) error
}

// RuntimeLedger is the controller-side ledger port: one runtime interval per
// model lifetime, updated in place while the model runs.
type RuntimeLedger interface {
	StartRuntime(ctx context.Context, model string, start float64) error
	UpdateRuntimeEnd(ctx context.Context, model string, end float64) error
}

// Controller is the model lifecycle port consumed by the HTTP layer.
type Controller interface {
	StartModel(ctx context.Context, primary string) (bool, string)
	StopModel(primary string) (bool, string)
	UnloadAll()
	IncrementPending(primary string)
	MarkRequestCompleted(primary string)
	// MarkStopped transitions a routing model whose backend died out-of-band.
	MarkStopped(primary string)
	ListStatus() []ModelStatusInfo
	GetLog(primary string) ([]LogEntry, bool)
}

// ModelStatusInfo is the operator-facing view of one model record.
type ModelStatusInfo struct {
	Name          string      `json:"name"`
	Aliases       []string    `json:"aliases"`
	Mode          ModelMode   `json:"mode"`
	Status        ModelStatus `json:"status"`
	PID           int         `json:"pid,omitempty"`
	Pending       int         `json:"pending_requests"`
	IdleSeconds   float64     `json:"idle_time_sec"`
	ConfigSource  string      `json:"config_source,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

// LogEntry is one line of a model's bounded log ring.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
}
