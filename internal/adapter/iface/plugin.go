// Package iface provides interface plugins: per-mode request validation and
// backend health probing against the OpenAI-compatible surface.
package iface

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

const (
	shallowInterval = 2 * time.Second
	deepInterval    = 1 * time.Second
	probeTimeout    = 5 * time.Second
)

// Plugin implements request validation and two-phase health checking for one
// model mode. All four built-in modes share the implementation; only the
// endpoint set and the deep-probe body differ.
type Plugin struct {
	mode      domain.ModelMode
	endpoints []string
	client    *http.Client
}

// New returns the plugin for mode, or false for an unknown mode.
func New(mode domain.ModelMode) (*Plugin, bool) {
	endpoints, ok := endpointsFor(mode)
	if !ok {
		return nil, false
	}
	return &Plugin{
		mode:      mode,
		endpoints: endpoints,
		client:    &http.Client{Timeout: probeTimeout},
	}, true
}

func endpointsFor(mode domain.ModelMode) ([]string, bool) {
	switch mode {
	case domain.ModeChat:
		return []string{"v1/chat/completions", "chat/completions"}, true
	case domain.ModeBase:
		return []string{"v1/completions", "completions"}, true
	case domain.ModeEmbedding:
		return []string{"v1/embeddings", "embeddings"}, true
	case domain.ModeReranker:
		return []string{"v1/rerank", "v1/reranking", "rerank", "reranking"}, true
	}
	return nil, false
}

// allEndpoints is the union across modes. Validation resolves a path to its
// longest match here before checking ownership, so "completions" never
// claims a path that really targets "chat/completions".
var allEndpoints = func() []string {
	var out []string
	for _, m := range []domain.ModelMode{
		domain.ModeChat, domain.ModeBase, domain.ModeEmbedding, domain.ModeReranker,
	} {
		eps, _ := endpointsFor(m)
		out = append(out, eps...)
	}
	return out
}()

func (p *Plugin) Mode() domain.ModelMode { return p.mode }

// SupportedEndpoints returns the path suffixes this mode serves, canonical
// form first.
func (p *Plugin) SupportedEndpoints() []string {
	out := make([]string, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// ValidateRequest reports whether path targets an endpoint this mode serves.
// Matching is by trailing path segments so version prefixes and gateway mount
// points do not matter; the longest known endpoint wins the path, and only
// the mode owning that endpoint accepts it.
func (p *Plugin) ValidateRequest(path, primary string) (bool, string) {
	trimmed := strings.Trim(path, "/")
	best := ""
	for _, ep := range allEndpoints {
		if suffixSegmentsMatch(trimmed, ep) && len(ep) > len(best) {
			best = ep
		}
	}
	if best != "" {
		for _, ep := range p.endpoints {
			if ep == best {
				return true, ""
			}
		}
	}
	return false, fmt.Sprintf("model %s (mode %s) does not serve %s", primary, p.mode, path)
}

func suffixSegmentsMatch(path, ep string) bool {
	return path == ep || strings.HasSuffix(path, "/"+ep)
}

// HealthCheck probes a freshly spawned backend on 127.0.0.1:port. Phase one
// polls GET /v1/models until any HTTP response arrives; phase two issues a
// minimal inference call for the mode until a 2xx arrives. onShallowOK fires
// once when phase one passes. Runs until success or ctx expiry.
func (p *Plugin) HealthCheck(ctx context.Context, primary string, port int, onShallowOK func()) (bool, string) {
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	shallow := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/models", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		drainAndClose(resp)
		// Any HTTP answer means the server socket is up, even a 404.
		return nil
	}
	if err := retry(ctx, shallowInterval, shallow); err != nil {
		return false, fmt.Sprintf("server never answered on port %d: %v", port, err)
	}
	if onShallowOK != nil {
		onShallowOK()
	}

	path, body := p.deepProbe(primary)
	deep := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		status := resp.StatusCode
		drainAndClose(resp)
		if status < 200 || status >= 300 {
			return fmt.Errorf("probe %s: status %d", path, status)
		}
		return nil
	}
	if err := retry(ctx, deepInterval, deep); err != nil {
		return false, fmt.Sprintf("functional probe failed: %v", err)
	}
	return true, ""
}

// deepProbe returns the cheapest request that exercises the mode's inference
// path.
func (p *Plugin) deepProbe(primary string) (string, string) {
	switch p.mode {
	case domain.ModeChat:
		return "/v1/chat/completions",
			fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}],"max_tokens":1}`, primary)
	case domain.ModeBase:
		return "/v1/completions",
			fmt.Sprintf(`{"model":%q,"prompt":"hi","max_tokens":1}`, primary)
	case domain.ModeEmbedding:
		return "/v1/embeddings",
			fmt.Sprintf(`{"model":%q,"input":"hi"}`, primary)
	case domain.ModeReranker:
		return "/v1/rerank",
			fmt.Sprintf(`{"model":%q,"query":"hi","documents":["hi"]}`, primary)
	}
	return "/v1/models", "{}"
}

func retry(ctx context.Context, interval time.Duration, op func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	return backoff.Retry(op, b)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

var _ domain.InterfacePlugin = (*Plugin)(nil)
