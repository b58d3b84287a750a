package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/llm-manager/internal/adapter/iface"
	"github.com/fairyhunter13/llm-manager/internal/config"
	"github.com/fairyhunter13/llm-manager/internal/domain"
	"github.com/fairyhunter13/llm-manager/internal/observability"
)

const (
	// maxCaptureBytes caps the response copy kept for token extraction. The
	// client stream itself is never truncated.
	maxCaptureBytes = 64 << 20

	maxRequestBody  = 32 << 20
	ledgerWriteWait = 5 * time.Second
)

// Proxy is the OpenAI-compatible catch-all handler: it resolves the model
// from the request body, triggers a load if needed, and streams the backend
// response through while capturing it for token accounting.
type Proxy struct {
	log    *slog.Logger
	cfgMgr *config.Manager
	ctrl   domain.Controller
	ifaces *iface.Registry
	ledger domain.RequestLedger // may be nil

	connectTimeout time.Duration
	requestTimeout time.Duration

	clientsMu sync.Mutex
	clients   map[int]*http.Client
}

// NewProxy wires the proxy handler.
func NewProxy(log *slog.Logger, cfgMgr *config.Manager, ctrl domain.Controller, ifaces *iface.Registry, ledger domain.RequestLedger, connectTimeout, requestTimeout time.Duration) *Proxy {
	return &Proxy{
		log:            log,
		cfgMgr:         cfgMgr,
		ctrl:           ctrl,
		ifaces:         ifaces,
		ledger:         ledger,
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
		clients:        make(map[int]*http.Client),
	}
}

// clientFor returns the lazily created client for a backend port. Backends are
// long-lived local servers; one pooled client per port amortizes connections.
func (p *Proxy) clientFor(port int) *http.Client {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if c, ok := p.clients[port]; ok {
		return c
	}
	c := &http.Client{
		Timeout: p.requestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   p.connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	p.clients[port] = c
	return c
}

// CloseIdleConnections releases pooled upstream connections. Called at
// shutdown.
func (p *Proxy) CloseIdleConnections() {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writePreflight(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Model == "" {
		writeDetail(w, http.StatusBadRequest, "request body must be JSON with a model field")
		return
	}

	primary, ok := p.cfgMgr.ResolvePrimary(probe.Model)
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("unknown model %q", probe.Model))
		return
	}
	mc, ok := p.cfgMgr.Model(primary)
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("unknown model %q", probe.Model))
		return
	}

	plugin, ok := p.ifaces.Get(mc.Mode)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("no interface plugin for mode %s", mc.Mode))
		return
	}
	if valid, why := plugin.ValidateRequest(r.URL.Path, primary); !valid {
		writeDetail(w, http.StatusBadRequest, why)
		return
	}

	// Pending goes up before the load attempt so this request already counts
	// against idle and eviction calculations while the model loads.
	startedAt := time.Now()
	p.ctrl.IncrementPending(primary)

	var once sync.Once
	capture := &cappedBuffer{limit: maxCaptureBytes}
	finish := func(status int) {
		once.Do(func() {
			p.ctrl.MarkRequestCompleted(primary)
			usage := domain.TokenUsage{}
			if status >= 200 && status < 300 {
				usage = ExtractTokenUsage(capture.Bytes())
			}
			observability.ProxiedRequestsTotal.WithLabelValues(primary, strconv.Itoa(status)).Inc()
			p.recordUsage(primary, startedAt, usage)
		})
	}
	// The client may drop mid-stream; completion must still be recorded.
	defer finish(0)

	if ok, why := p.ctrl.StartModel(r.Context(), primary); !ok {
		finish(http.StatusServiceUnavailable)
		writeDetail(w, http.StatusServiceUnavailable, why)
		return
	}

	upstream, err := p.buildUpstreamRequest(r, mc.Port, body)
	if err != nil {
		finish(http.StatusInternalServerError)
		writeDetail(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}

	resp, err := p.clientFor(mc.Port).Do(upstream)
	if err != nil {
		if isConnectionRefused(err) {
			// The backend port answered the health probe once but is gone
			// now: the process died out-of-band.
			p.ctrl.MarkStopped(primary)
		}
		finish(http.StatusBadGateway)
		LoggerFrom(r).Warn("upstream request failed", slog.String("model", primary), slog.Any("error", err))
		writeDetail(w, http.StatusBadGateway, "backend request failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	p.stream(w, resp.Body, capture)
	finish(resp.StatusCode)
}

func (p *Proxy) buildUpstreamRequest(r *http.Request, port int, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, r.URL.Path)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, values := range r.Header {
		if dropRequestHeader(name) {
			continue
		}
		for _, v := range values {
			upstream.Header.Add(name, v)
		}
	}
	return upstream, nil
}

// stream copies the backend body to the client, flushing each chunk so SSE
// frames arrive promptly, while teeing into the bounded capture buffer. A
// client write error stops the copy; the backend read side is drained up to
// the capture cap so usage still extracts.
func (p *Proxy) stream(w http.ResponseWriter, body io.Reader, capture *cappedBuffer) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	clientGone := false
	for {
		n, err := body.Read(buf)
		if n > 0 {
			capture.Write(buf[:n])
			if !clientGone {
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientGone = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			return
		}
		if clientGone && capture.Full() {
			return
		}
	}
}

// recordUsage writes the ledger row asynchronously; an all-zero extraction is
// suppressed so non-inference calls don't pollute the ledger.
func (p *Proxy) recordUsage(primary string, startedAt time.Time, usage domain.TokenUsage) {
	for _, pair := range []struct {
		kind  string
		count int64
	}{
		{"input", usage.InputTokens},
		{"output", usage.OutputTokens},
		{"cache", usage.CacheN},
		{"prompt", usage.PromptN},
	} {
		if pair.count > 0 {
			observability.TokensTotal.WithLabelValues(primary, pair.kind).Add(float64(pair.count))
		}
	}
	if p.ledger == nil || usage.IsZero() {
		return
	}
	rec := domain.RequestRecord{
		StartTime:    float64(startedAt.UnixNano()) / 1e9,
		EndTime:      float64(time.Now().UnixNano()) / 1e9,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CacheN:       usage.CacheN,
		PromptN:      usage.PromptN,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteWait)
		defer cancel()
		if err := p.ledger.AddRequest(ctx, primary, rec); err != nil {
			observability.LedgerWriteFailuresTotal.Inc()
			p.log.Warn("ledger write dropped", slog.String("model", primary), slog.Any("error", err))
		}
	}()
}

func writePreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func dropRequestHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Host", "Content-Length", "Transfer-Encoding", "Connection":
		return true
	}
	return false
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
			"Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	dst.Set("Access-Control-Allow-Origin", "*")
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// cappedBuffer accumulates writes up to limit, then drops the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	b.buf.Write(p)
}

func (b *cappedBuffer) Full() bool    { return b.buf.Len() >= b.limit }
func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }
