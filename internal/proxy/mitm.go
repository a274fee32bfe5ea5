package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	tokctx "github.com/tokentap/tokentap/internal/context"
	"github.com/tokentap/tokentap/internal/config"
	"github.com/tokentap/tokentap/internal/extract"
	"github.com/tokentap/tokentap/internal/pricing"
	"github.com/tokentap/tokentap/internal/provider"
	"github.com/tokentap/tokentap/internal/redact"
	"github.com/tokentap/tokentap/internal/security"
	"github.com/tokentap/tokentap/internal/sink"
	"github.com/tokentap/tokentap/internal/store"
	"github.com/tokentap/tokentap/internal/stream"
	tokentaptls "github.com/tokentap/tokentap/internal/tls"
)

// MITMProxy is an intercepting proxy that captures TLS traffic and turns it
// into token-accounting events.
type MITMProxy struct {
	cfg           *config.Config
	logger        *slog.Logger
	ca            *tokentaptls.CA
	certCache     *tokentaptls.CertCache
	redactor      *redact.Redactor
	providers     *provider.Registry
	security      *security.Gate
	store         store.EventStore
	sink          *sink.Sink
	pricingSource *pricing.Source
	server        *http.Server
	client        *http.Client

	// tunnelConns/tunnelMu/tunnelWg track passthrough tunnels (CONNECT to
	// hosts that aren't MITM'd) so shutdown can close them immediately
	// instead of waiting out their 5-minute idle timeout.
	tunnelMu    sync.Mutex
	tunnelConns map[net.Conn]struct{}
	tunnelWg    sync.WaitGroup

	// insecureSkipVerifyUpstream is for testing only.
	insecureSkipVerifyUpstream bool
}

// MITMProxyConfig holds configuration for creating a MITM proxy.
type MITMProxyConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	CA            *tokentaptls.CA
	CertCache     *tokentaptls.CertCache
	Redactor      *redact.Redactor
	Providers     *provider.Registry
	Security      *security.Gate
	Store         store.EventStore
	Sink          *sink.Sink
	PricingSource *pricing.Source // LiteLLM pricing fallback for cost estimation

	// InsecureSkipVerifyUpstream skips TLS verification for upstream connections.
	// This should ONLY be used for testing. Do not enable in production.
	InsecureSkipVerifyUpstream bool
}

// NewMITMProxy creates a new MITM proxy.
func NewMITMProxy(cfg MITMProxyConfig) (*MITMProxy, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.CA == nil {
		return nil, fmt.Errorf("CA is required")
	}
	if cfg.CertCache == nil {
		return nil, fmt.Errorf("CertCache is required")
	}
	if cfg.Redactor == nil {
		return nil, fmt.Errorf("Redactor is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("Providers registry is required")
	}
	if cfg.Security == nil {
		return nil, fmt.Errorf("Security gate is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
			NextProtos:         []string{"http/1.1"}, // Force HTTP/1.1 upstream
		},
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 0, // No timeout for streaming
	}

	p := &MITMProxy{
		cfg:                        cfg.Config,
		logger:                     cfg.Logger,
		ca:                         cfg.CA,
		certCache:                  cfg.CertCache,
		redactor:                   cfg.Redactor,
		providers:                  cfg.Providers,
		security:                   cfg.Security,
		store:                      cfg.Store,
		sink:                       cfg.Sink,
		pricingSource:              cfg.PricingSource,
		client:                     client,
		tunnelConns:                make(map[net.Conn]struct{}),
		insecureSkipVerifyUpstream: cfg.InsecureSkipVerifyUpstream,
	}

	p.server = &http.Server{
		Addr:         bindAddr(cfg.Config.Proxy.ListenAddr(), cfg.Security.BindHost()),
		Handler:      p,
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return p, nil
}

// trackConn records a passthrough tunnel leg so closeTunnels can find it.
func (p *MITMProxy) trackConn(c net.Conn) {
	p.tunnelMu.Lock()
	p.tunnelConns[c] = struct{}{}
	p.tunnelMu.Unlock()
}

// untrackConn removes a passthrough tunnel leg once its copy loop exits.
func (p *MITMProxy) untrackConn(c net.Conn) {
	p.tunnelMu.Lock()
	delete(p.tunnelConns, c)
	p.tunnelMu.Unlock()
}

// closeTunnels force-closes every tracked passthrough connection so
// shutdown doesn't wait out tunnel.go's 5-minute idle timeout.
func (p *MITMProxy) closeTunnels() {
	p.tunnelMu.Lock()
	conns := make([]net.Conn, 0, len(p.tunnelConns))
	for c := range p.tunnelConns {
		conns = append(conns, c)
	}
	p.tunnelMu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// bindAddr overrides the host half of addr with host, keeping its port.
func bindAddr(addr, host string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, port)
}

// Serve starts the proxy server by creating its own listener.
func (p *MITMProxy) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.ServeListener(ctx, ln)
}

// ServeListener starts the proxy server using the provided listener.
func (p *MITMProxy) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		p.logger.Info("shutting down MITM proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.server.Shutdown(shutdownCtx)
		p.closeTunnels()
		p.tunnelWg.Wait()
	}()

	p.logger.Info("MITM proxy listening", "addr", ln.Addr().String())
	if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ServeHTTP handles incoming HTTP requests.
func (p *MITMProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet && r.Method != http.MethodConnect {
		p.handleHealth(w, r)
		return
	}
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// handleHealth answers the in-proxy health endpoint (C8): liveness plus a
// snapshot of sink backpressure so an operator can see saturation without a
// separate dashboard call.
func (p *MITMProxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if p.sink != nil {
		stats := p.sink.Stats()
		body["sink_dropped"] = stats.Dropped
		body["sink_failed"] = stats.Failed
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// Reload re-reads the provider registry config (C8 SIGHUP handler).
func (p *MITMProxy) Reload() error {
	return p.providers.Reload()
}

// flowCtx is the Go shape of FlowState (spec.md §3): owned exclusively by
// the goroutine handling one flow, never shared concurrently.
type flowCtx struct {
	id        string
	host      string
	method    string
	path      string
	rawURL    string
	clientIP  string
	userAgent string

	providerID  string
	def         provider.Definition
	passthrough bool

	startedAt time.Time

	reqDigest       extract.RequestDigest
	extractor       extract.Extractor
	hasBudgetTokens bool

	ctx        tokctx.Context
	deviceID   string
	clientType string

	reqHeaders http.Header

	captureFull bool

	isSSE bool
	accum *stream.Accumulator

	respStatus int
}

// onRequest implements the request hook: resolves the host (after applying
// any backward-compatibility rewrite), binds a provider, runs the extractor,
// and resolves context/device. Marks the flow passthrough when the host
// isn't a recognized provider and the registry isn't in capture_all mode.
func (p *MITMProxy) onRequest(r *http.Request, reqBody []byte, host string) *flowCtx {
	fc := &flowCtx{
		id:         uuid.New().String(),
		startedAt:  time.Now(),
		method:     r.Method,
		path:       r.URL.Path,
		rawURL:     r.URL.String(),
		clientIP:   clientIPFromRequest(r),
		userAgent:  r.Header.Get("User-Agent"),
		reqHeaders: r.Header.Clone(),
	}

	host = strings.ToLower(host)
	if rewritten, ok := p.cfg.Proxy.HostRewrites[host]; ok {
		host = strings.ToLower(rewritten)
	}
	fc.host = host

	id, ok := p.providers.Resolve(host)
	if !ok {
		if p.providers.CaptureMode() != provider.CaptureAll {
			fc.passthrough = true
			return fc
		}
		id = ""
	}
	def, _ := p.providers.Get(id)
	fc.def = def
	fc.providerID = def.ID
	if fc.providerID == "" {
		fc.providerID = "unknown"
	}

	var doc any
	if len(reqBody) > 0 && isJSONContentType(r.Header.Get("Content-Type")) {
		_ = json.Unmarshal(reqBody, &doc)
	}

	digest := extract.Request(fc.def, doc)
	extractor, _ := extract.SelectExtractor(fc.def, doc, digest)
	fc.extractor = extractor
	fc.reqDigest = extractor.ExtractRequest(doc)
	fc.hasBudgetTokens = hasBudgetTokens(fc.reqDigest.Thinking)

	fc.ctx = tokctx.Resolve(r.Header, os.Getenv, fc.userAgent, host)
	fc.clientType = tokctx.ClientType(fc.userAgent)
	fc.deviceID = tokctx.DeviceID(fc.def.Request.SessionIDPath, fc.def.Request.DeviceIDPath, doc, fc.clientIP, fc.userAgent)

	fc.captureFull = p.security.DebugMode() || fc.def.CaptureFullRequest

	return fc
}

// onResponseHeaders implements the response-headers hook: decides whether
// this response streams, and if so attaches a stream.Accumulator as the
// byte tap C3 needs. Non-streaming responses are left to onResponse, which
// receives the full buffered body from the caller.
func (p *MITMProxy) onResponseHeaders(fc *flowCtx, resp *http.Response) {
	fc.respStatus = resp.StatusCode
	if fc.passthrough {
		return
	}

	contentType := resp.Header.Get("Content-Type")
	chunked := strings.Contains(strings.ToLower(resp.Header.Get("Transfer-Encoding")), "chunked")

	switch {
	case strings.Contains(contentType, "text/event-stream"),
		strings.Contains(contentType, "application/vnd.amazon.eventstream"),
		chunked && fc.def.ResponseSSE != nil:
		fc.isSSE = true
		fc.accum = stream.New(fc.def, fc.captureFull, 0)
	}
}

// onResponse implements the response-complete hook: finalizes the stream
// accumulator or decodes the buffered body, assembles the Event, and hands
// it to the sink without waiting on the write.
func (p *MITMProxy) onResponse(fc *flowCtx, reqBody, capturedBody []byte, bodyTruncated bool) {
	if fc.passthrough {
		return
	}
	duration := time.Since(fc.startedAt)

	var usage extract.UsageDelta
	if fc.isSSE {
		if fc.accum != nil {
			var dropped bool
			usage, dropped = fc.accum.Finalize()
			bodyTruncated = bodyTruncated || dropped
			if fc.captureFull {
				capturedBody = fc.accum.Tail()
			}
		}
	} else if len(capturedBody) > 0 {
		usage = p.extractBufferedUsage(fc, capturedBody)
	}

	ev := p.assembleEvent(fc, reqBody, capturedBody, usage, duration, bodyTruncated)

	if p.sink != nil {
		if dropped := p.sink.Enqueue(ev); dropped {
			p.logger.Warn("event sink saturated, dropping event", "flow_id", fc.id)
		}
	}

	p.upsertDevice(fc)
}

// extractBufferedUsage dispatches to the right Extractor shape: Declarative
// wants a decoded document, Builtin wants the raw body bytes.
func (p *MITMProxy) extractBufferedUsage(fc *flowCtx, capturedBody []byte) extract.UsageDelta {
	switch fc.extractor.(type) {
	case extract.Builtin:
		return fc.extractor.ExtractUsage(capturedBody, false)
	default:
		var doc any
		if err := json.Unmarshal(capturedBody, &doc); err != nil {
			return extract.UsageDelta{}
		}
		return fc.extractor.ExtractUsage(doc, false)
	}
}

func hasBudgetTokens(thinking []any) bool {
	for _, t := range thinking {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := m["budget_tokens"]; ok {
			return true
		}
	}
	return false
}

var llmPathPatterns = []string{"/v1/messages", "/v1/chat/completions", "/v1/completions", "/v1/responses"}

func matchesLLMPath(path string) bool {
	for _, pattern := range llmPathPatterns {
		if strings.HasSuffix(path, pattern) {
			return true
		}
	}
	return false
}

func isJSONContentType(ct string) bool {
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}

func clientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// assembleEvent builds the persisted record for one flow, applying the
// total_tokens/is_token_consuming invariants and the cost estimate, then
// redacting message content unless the flow was captured in full.
func (p *MITMProxy) assembleEvent(fc *flowCtx, reqBody, capturedBody []byte, usage extract.UsageDelta, duration time.Duration, truncated bool) *store.Event {
	model := fc.reqDigest.Model
	if usage.Model != "" {
		model = usage.Model
	}

	isTokenConsuming := len(fc.reqDigest.Messages) > 0 || fc.hasBudgetTokens || matchesLLMPath(fc.path)

	tokensEstimated := false
	if isTokenConsuming && usage.InputTokens == 0 && usage.OutputTokens == 0 && fc.reqDigest.TextSample != "" {
		if est := extract.EstimateTokens(fc.reqDigest.TextSample); est > 0 {
			usage.InputTokens = est
			tokensEstimated = true
		}
	}

	ev := &store.Event{
		ID:                  fc.id,
		Timestamp:           fc.startedAt,
		DurationMs:          duration.Milliseconds(),
		ProviderID:           fc.providerID,
		Model:                model,
		InputTokens:          usage.InputTokens,
		OutputTokens:         usage.OutputTokens,
		TotalTokens:          usage.InputTokens + usage.OutputTokens,
		CacheCreationTokens:  usage.CacheCreationTokens,
		CacheReadTokens:      usage.CacheReadTokens,
		ResponseStatus:       fc.respStatus,
		Streaming:            fc.isSSE,
		Truncated:            truncated,
		ClientType:           fc.clientType,
		DeviceID:             fc.deviceID,
		IsTokenConsuming:     isTokenConsuming,
		HasBudgetTokens:      fc.hasBudgetTokens,
		TokensEstimated:      tokensEstimated,
		CaptureMode:          captureModeLabel(fc.captureFull),
		Context: store.EventContext{
			Program: fc.ctx.Program,
			Project: fc.ctx.Project,
			Session: fc.ctx.Session,
			Tags:    fc.ctx.Tags,
			Custom:  fc.ctx.Custom,
		},
		Program:         fc.ctx.Program,
		Project:         fc.ctx.Project,
		Messages:        toStoreMessages(fc.reqDigest.Messages),
		System:          blocksToString(fc.reqDigest.System),
		Tools:           fc.buildToolsField(capturedBody),
		Thinking:        blocksToString(fc.reqDigest.Thinking),
		RequestMetadata: p.buildRequestMetadata(fc, reqBody),
	}

	if cost, _ := pricing.Estimate(fc.def.Metadata.CostPerInputToken, fc.def.Metadata.CostPerOutputToken, fc.providerID, model, usage.InputTokens, usage.OutputTokens, p.pricingSource); cost != nil {
		ev.EstimatedCost = cost
	}

	if fc.captureFull {
		ev.RawRequest = p.redactor.RedactBodyBytes(reqBody)
		ev.RawResponse = p.redactor.RedactBodyBytes(capturedBody)
	}

	p.security.RedactEvent(ev)

	return ev
}

func captureModeLabel(captureFull bool) string {
	if captureFull {
		return "full"
	}
	return "redacted"
}

func toStoreMessages(raw []any) []store.Message {
	if len(raw) == 0 {
		return nil
	}
	msgs := make([]store.Message, 0, len(raw))
	for _, m := range raw {
		msg := store.Message{}
		if obj, ok := m.(map[string]any); ok {
			if r, ok := obj["role"].(string); ok {
				msg.Role = r
			}
			msg.Content = obj["content"]
		} else {
			msg.Content = m
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func toStoreTools(raw []any) []map[string]any {
	if len(raw) == 0 {
		return nil
	}
	tools := make([]map[string]any, 0, len(raw))
	for _, t := range raw {
		if m, ok := t.(map[string]any); ok {
			tools = append(tools, m)
		}
	}
	return tools
}

// buildToolsField merges declared tool definitions with invocations found
// in a non-streaming response body (tool correlation, spec.md §13).
func (fc *flowCtx) buildToolsField(capturedBody []byte) []map[string]any {
	tools := toStoreTools(fc.reqDigest.Tools)
	if fc.isSSE || len(capturedBody) == 0 {
		return tools
	}
	for _, inv := range extract.ToolUsesFromResponseJSON(capturedBody) {
		entry := map[string]any{
			"tool_use_id": inv.ID,
			"name":        inv.Name,
		}
		if inv.Input != nil {
			entry["input"] = inv.Input
		}
		tools = append(tools, entry)
	}
	return tools
}

func blocksToString(raw []any) *string {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) == 1 {
		if s, ok := raw[0].(string); ok {
			return &s
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

// buildRequestMetadata captures the redacted request headers plus any
// tool_result outcomes this request is answering from a prior turn.
func (p *MITMProxy) buildRequestMetadata(fc *flowCtx, reqBody []byte) map[string]any {
	meta := map[string]any{
		"headers": redact.HeadersToMap(p.redactor.RedactHeaders(fc.reqHeaders)),
	}
	if results := extract.ToolResultsFromRequest(reqBody); results != nil {
		answered := make(map[string]bool, len(results))
		for id, r := range results {
			answered[id] = !r.IsError
		}
		meta["tool_results"] = answered
	}
	return meta
}

func (p *MITMProxy) upsertDevice(fc *flowCtx) {
	if p.store == nil || fc.deviceID == "" {
		return
	}
	now := time.Now()
	d := &store.Device{
		ID:        fc.deviceID,
		OS:        tokctx.OSToken(fc.userAgent),
		IP:        fc.clientIP,
		UserAgent: fc.userAgent,
		FirstSeen: now,
		LastSeen:  now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.store.UpsertDevice(ctx, d); err != nil {
		p.logger.Error("failed to upsert device", "device_id", fc.deviceID, "error", err)
	}
}

// safeOnRequest runs onRequest with the failure-isolation spec.md §4.4
// requires: a panicking hook is caught, logged at WARN, and the flow is
// marked passthrough so forwarding is never impeded.
func (p *MITMProxy) safeOnRequest(r *http.Request, reqBody []byte, host string) (fc *flowCtx) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Warn("flow controller: on_request panicked, passthrough", "error", rec)
			fc = &flowCtx{id: uuid.New().String(), startedAt: time.Now(), passthrough: true}
		}
	}()
	return p.onRequest(r, reqBody, host)
}

func (p *MITMProxy) safeOnResponseHeaders(fc *flowCtx, resp *http.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Warn("flow controller: on_response_headers panicked", "flow_id", fc.id, "error", rec)
			fc.isSSE = false
			fc.accum = nil
		}
	}()
	p.onResponseHeaders(fc, resp)
}

func (p *MITMProxy) safeOnResponse(fc *flowCtx, reqBody, capturedBody []byte, truncated bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Warn("flow controller: on_response panicked, flow marked passthrough for accounting", "flow_id", fc.id, "error", rec)
		}
	}()
	p.onResponse(fc, reqBody, capturedBody, truncated)
}

// handleHTTP handles regular (non-CONNECT) HTTP requests.
func (p *MITMProxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	fc := p.safeOnRequest(r, reqBody, r.Host)
	p.logger.Debug("HTTP request", "flow_id", fc.id, "method", r.Method, "url", r.URL.String())

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), bytes.NewReader(reqBody))
	if err != nil {
		p.logger.Error("failed to create request", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)
	outReq.Header.Del("Accept-Encoding")

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.logger.Error("failed to forward request", "error", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	p.safeOnResponseHeaders(fc, resp)

	copyHeaders(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	maxBody := p.cfg.Persistence.BodyMaxBytes
	var capturedBody bytes.Buffer
	limited := &limitedBuffer{buf: &capturedBody, max: maxBody}

	if fc.isSSE && fc.accum != nil {
		tap := &accumulatorTap{w: newFlushWriter(w), accum: fc.accum}
		if _, err := io.Copy(tap, resp.Body); err != nil {
			p.logger.Debug("error streaming SSE response", "error", err)
		}
	} else {
		mw := io.MultiWriter(w, limited)
		if _, err := io.Copy(mw, resp.Body); err != nil {
			p.logger.Debug("error copying response", "error", err)
		}
	}

	p.safeOnResponse(fc, reqBody, capturedBody.Bytes(), limited.truncated)
}

// handleConnect routes HTTPS CONNECT requests: MITM for known LLM hosts,
// transparent passthrough for everything else.
func (p *MITMProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	p.logger.Debug("CONNECT request", "host", r.Host)

	if p.shouldIntercept(r.Host) {
		p.handleConnectMITM(w, r)
		return
	}
	p.handleConnectPassthrough(w, r)
}

// shouldIntercept returns true if the host should be MITM'd — either it's a
// built-in provider host or the user added it to intercept_hosts config.
func (p *MITMProxy) shouldIntercept(host string) bool {
	if _, ok := p.providers.Resolve(host); ok {
		return true
	}
	if p.providers.CaptureMode() == provider.CaptureAll {
		return true
	}
	return matchConfigHosts(host, p.cfg.Proxy.InterceptHosts)
}

func matchConfigHosts(host string, interceptHosts []string) bool {
	for _, h := range interceptHosts {
		if provider.MatchDomainSuffix(host, h) {
			return true
		}
	}
	return false
}

// handleConnectPassthrough tunnels the connection transparently without MITM.
func (p *MITMProxy) handleConnectPassthrough(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if !strings.Contains(host, ":") {
		host = host + ":443"
	}

	upstreamConn, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		p.logger.Error("passthrough: failed to connect to upstream", "host", host, "error", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("hijacking not supported")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		upstreamConn.Close()
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error("failed to hijack connection", "error", err)
		upstreamConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger.Error("failed to write tunnel response", "error", err)
		clientConn.Close()
		upstreamConn.Close()
		return
	}

	p.trackConn(clientConn)
	p.trackConn(upstreamConn)
	p.tunnelWg.Add(1)
	go func() {
		defer p.tunnelWg.Done()
		defer p.untrackConn(clientConn)
		defer p.untrackConn(upstreamConn)
		tunnel(clientConn, upstreamConn, p.logger, r.Host)
	}()
}

// handleConnectMITM handles HTTPS CONNECT requests with TLS interception.
func (p *MITMProxy) handleConnectMITM(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("hijacking not supported")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error("failed to hijack connection", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger.Error("failed to write tunnel response", "error", err)
		clientConn.Close()
		return
	}

	tlsConfig := &tls.Config{
		GetCertificate: p.certCache.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
	tlsConn := tls.Server(clientConn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		p.logger.Debug("TLS handshake failed", "host", r.Host, "error", err)
		clientConn.Close()
		return
	}

	host := r.Host
	if !strings.Contains(host, ":") {
		host = host + ":443"
	}

	upstreamConn, err := tls.Dial("tcp", host, &tls.Config{
		InsecureSkipVerify: p.insecureSkipVerifyUpstream,
		NextProtos:         []string{"http/1.1"},
	})
	if err != nil {
		p.logger.Error("failed to connect to upstream", "host", host, "error", err)
		tlsConn.Close()
		return
	}

	p.handleTLSConnection(tlsConn, upstreamConn, r.Host)
}

// handleTLSConnection handles HTTP requests over an established TLS connection.
func (p *MITMProxy) handleTLSConnection(clientConn *tls.Conn, upstreamConn *tls.Conn, host string) {
	defer clientConn.Close()
	defer upstreamConn.Close()

	clientReader := bufio.NewReader(clientConn)

	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("error reading request from TLS connection", "host", host, "error", err)
			}
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = host

		p.handleTLSRequest(req, clientConn, upstreamConn, host)
	}
}

// handleTLSRequest handles a single HTTP request over an intercepted TLS connection.
func (p *MITMProxy) handleTLSRequest(r *http.Request, clientConn net.Conn, upstreamConn *tls.Conn, host string) {
	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	fc := p.safeOnRequest(r, reqBody, host)
	p.logger.Debug("HTTPS request", "flow_id", fc.id, "method", r.Method, "host", host, "path", r.URL.Path)

	outReq, err := http.NewRequest(r.Method, r.URL.String(), bytes.NewReader(reqBody))
	if err != nil {
		p.sendError(clientConn, http.StatusBadRequest, "Bad request")
		return
	}
	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)
	outReq.Header.Del("Accept-Encoding")

	if err := outReq.Write(upstreamConn); err != nil {
		p.logger.Error("failed to write to upstream", "error", err)
		p.sendError(clientConn, http.StatusBadGateway, "Bad gateway")
		return
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamReader, outReq)
	if err != nil {
		p.logger.Error("failed to read upstream response", "error", err)
		p.sendError(clientConn, http.StatusBadGateway, "Bad gateway")
		return
	}
	defer resp.Body.Close()

	p.safeOnResponseHeaders(fc, resp)

	respHeaders := resp.Header.Clone()
	removeHopByHopHeaders(respHeaders)

	maxBody := p.cfg.Persistence.BodyMaxBytes
	var capturedBody bytes.Buffer
	limited := &limitedBuffer{buf: &capturedBody, max: maxBody}

	if fc.isSSE {
		respHeaders.Set("Transfer-Encoding", "chunked")

		var headerBuf bytes.Buffer
		fmt.Fprintf(&headerBuf, "HTTP/1.1 %s\r\n", resp.Status)
		_ = respHeaders.Write(&headerBuf)
		headerBuf.WriteString("\r\n")
		if _, err := clientConn.Write(headerBuf.Bytes()); err != nil {
			p.logger.Debug("error writing SSE response headers", "error", err)
			return
		}

		chunked := newChunkedWriter(clientConn)
		var tap io.Writer = chunked
		if fc.accum != nil {
			tap = &accumulatorTap{w: chunked, accum: fc.accum}
		}
		if _, err := io.Copy(tap, resp.Body); err != nil {
			p.logger.Debug("error streaming SSE response", "error", err)
		}
		chunked.Close()
	} else {
		var bodyBuf bytes.Buffer
		mw := io.MultiWriter(&bodyBuf, limited)
		if _, err := io.Copy(mw, resp.Body); err != nil {
			p.logger.Debug("error reading response body", "error", err)
		}

		respHeaders.Set("Content-Length", fmt.Sprintf("%d", bodyBuf.Len()))

		var headerBuf bytes.Buffer
		fmt.Fprintf(&headerBuf, "HTTP/1.1 %s\r\n", resp.Status)
		_ = respHeaders.Write(&headerBuf)
		headerBuf.WriteString("\r\n")
		if _, err := clientConn.Write(headerBuf.Bytes()); err != nil {
			p.logger.Debug("error writing response headers", "error", err)
			return
		}
		if _, err := clientConn.Write(bodyBuf.Bytes()); err != nil {
			p.logger.Debug("error writing response body", "error", err)
		}
	}

	p.safeOnResponse(fc, reqBody, capturedBody.Bytes(), limited.truncated)
}

// sendError sends an HTTP error response over a raw connection.
func (p *MITMProxy) sendError(conn net.Conn, status int, message string) {
	response := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		status, http.StatusText(status), len(message), message)
	_, _ = conn.Write([]byte(response))
}

// limitedBuffer is a writer that stops writing after max bytes, recording
// that it was truncated rather than erroring.
type limitedBuffer struct {
	buf       *bytes.Buffer
	max       int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	if l.buf.Len() >= l.max {
		l.truncated = true
		return len(p), nil
	}
	remaining := l.max - l.buf.Len()
	if len(p) > remaining {
		l.truncated = true
		return l.buf.Write(p[:remaining])
	}
	return l.buf.Write(p)
}

// accumulatorTap forwards every byte unmodified to w while feeding complete
// lines to a stream.Accumulator — the byte tap spec.md §4.4's
// on_response_headers hook installs for streaming responses.
type accumulatorTap struct {
	w     io.Writer
	accum *stream.Accumulator
	buf   []byte
}

func (t *accumulatorTap) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		return n, err
	}
	t.buf = append(t.buf, p...)
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(t.buf[:i], []byte("\r"))
		if len(line) == 0 {
			t.accum.EventBoundary()
		} else {
			t.accum.Feed(line)
		}
		t.buf = t.buf[i+1:]
	}
	return n, nil
}

// chunkedWriter implements HTTP/1.1 chunked transfer encoding, needed
// because http.ReadResponse de-chunks the upstream response before the
// TLS-MITM path can re-frame it for the client.
type chunkedWriter struct {
	w io.Writer
}

func newChunkedWriter(w io.Writer) *chunkedWriter {
	return &chunkedWriter{w: w}
}

func (c *chunkedWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err = c.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := c.w.Write([]byte("\r\n")); err != nil {
		return n, err
	}
	return n, nil
}

func (c *chunkedWriter) Close() error {
	_, err := c.w.Write([]byte("0\r\n\r\n"))
	return err
}

// flushWriter wraps an io.Writer and flushes after each write if possible,
// needed for SSE responses delivered via http.ResponseWriter.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newFlushWriter(w io.Writer) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

func (f *flushWriter) Write(p []byte) (n int, err error) {
	n, err = f.w.Write(p)
	if err == nil && f.flusher != nil {
		f.flusher.Flush()
	}
	return n, err
}
