package mock

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/logger"
)

const (
	maxBodyBytes           = 10 << 20
	defaultUpstreamTimeout = 30 * time.Second
)

var (
	ErrStopped        = errors.New("mock server stopped")
	ErrAlreadyStarted = errors.New("mock server already started")
)

// hop-by-hop headers are never forwarded on passthrough.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type Config struct {
	Unmatched    configs.UnmatchedPolicy
	DrainTimeout time.Duration
	// UpstreamTimeout bounds a passthrough exchange, body included.
	UpstreamTimeout time.Duration
}

// ConfigFrom maps the harness mock section onto a server config.
func ConfigFrom(cfg configs.Mock) Config {
	return Config{Unmatched: cfg.Unmatched, DrainTimeout: cfg.DrainTimeout, UpstreamTimeout: cfg.UpstreamTimeout}
}

// Server intercepts the application's outbound HTTP(S) traffic and answers it from scripted rules.
// It is usable as a forward proxy, including CONNECT tunnels it terminates with its own CA, and as a
// plain origin server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics
	ca       *authority
	upstream *http.Client

	mu        sync.Mutex
	rules     []*rule
	requests  []Request
	unmatched []Request
	started   bool
	stopped   bool
	listener  net.Listener
	srv       *http.Server
	tunnels   *tunnelListener
	tlsSrv    *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Unmatched == "" {
		cfg.Unmatched = configs.UnmatchedReject
	}
	if cfg.Unmatched != configs.UnmatchedReject && cfg.Unmatched != configs.UnmatchedPassthrough {
		return nil, fmt.Errorf("unknown unmatched policy %q", cfg.Unmatched)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}

	ca, err := newAuthority()
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		logger:  logger.Named("mock_server"),
		metrics: newMetrics(),
		ca:      ca,
		upstream: &http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: &http.Transport{Proxy: nil},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// For starts a rule for method and url. An empty method matches any method, an empty url any url.
func (s *Server) For(method, url string) *RuleBuilder {
	return newRuleBuilder(s, strings.ToUpper(method), url)
}

// ForGet starts a rule for GET requests to url.
func (s *Server) ForGet(url string) *RuleBuilder { return newRuleBuilder(s, http.MethodGet, url) }

// ForPost starts a rule for POST requests to url.
func (s *Server) ForPost(url string) *RuleBuilder { return newRuleBuilder(s, http.MethodPost, url) }

// ForPut starts a rule for PUT requests to url.
func (s *Server) ForPut(url string) *RuleBuilder { return newRuleBuilder(s, http.MethodPut, url) }

// ForDelete starts a rule for DELETE requests to url.
func (s *Server) ForDelete(url string) *RuleBuilder { return newRuleBuilder(s, http.MethodDelete, url) }

// ForMethod starts a rule for any URL requested with method.
func (s *Server) ForMethod(method string) *RuleBuilder {
	return newRuleBuilder(s, strings.ToUpper(method), "")
}

// ForAny starts an explicit catch-all rule. Rules registered after it are only reached once it is
// exhausted.
func (s *Server) ForAny() *RuleBuilder { return newRuleBuilder(s, "", "") }

// RegisterRule appends a rule built from a raw matcher and responder.
func (s *Server) RegisterRule(matcher Matcher, responder Responder, completion Completion) (*Endpoint, error) {
	if matcher == nil || responder == nil {
		return nil, fmt.Errorf("%w: matcher and responder are required", ErrInvalidRule)
	}
	return s.addRule("custom", matcher, responder, completion)
}

func (s *Server) addRule(desc string, matcher Matcher, responder Responder, completion Completion) (*Endpoint, error) {
	if completion.limit < 0 {
		return nil, fmt.Errorf("%w: negative completion limit", ErrInvalidRule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}

	endpoint := &Endpoint{desc: desc, completion: completion}
	s.rules = append(s.rules, &rule{
		desc:       desc,
		matcher:    matcher,
		responder:  responder,
		completion: completion,
		endpoint:   endpoint,
	})
	s.metrics.rules.Set(float64(len(s.rules)))

	s.logger.With("rule", desc).With("completion", completion.String()).Debug("mock rule registered")
	return endpoint, nil
}

// Start binds an ephemeral localhost port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.tunnels = newTunnelListener(listener.Addr())
	s.tlsSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ConnState:         s.trackTunnel,
	}
	s.started = true

	go s.serve(s.srv, listener)
	go s.serve(s.tlsSrv, s.tunnels)

	s.logger.With("addr", listener.Addr().String()).With("unmatched", s.cfg.Unmatched).Info("mock server started")
	return nil
}

func (s *Server) serve(srv *http.Server, l net.Listener) {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.With("err", err).Error("mock server stopped unexpectedly")
	}
}

// URL is the base address of the server, usable both as origin and as proxy. Empty until started.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// CACertificatePEM returns the interception CA certificate.
func (s *Server) CACertificatePEM() []byte {
	return bytes.Clone(s.ca.pem)
}

// CertPool returns a pool trusting the interception CA.
func (s *Server) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.ca.cert)
	return pool
}

// ReceivedRequests returns every matched request across all rules, in arrival order.
func (s *Server) ReceivedRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneRequests(s.requests)
}

// UnmatchedRequests returns the requests no rule answered.
func (s *Server) UnmatchedRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneRequests(s.unmatched)
}

// PendingEndpoints lists the rules still expecting requests, in registration order.
func (s *Server) PendingEndpoints() []*Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Endpoint
	for _, r := range s.rules {
		if r.endpoint.IsPending() {
			pending = append(pending, r.endpoint)
		}
	}
	return pending
}

// Stop drains in-flight requests for at most DrainTimeout, then closes everything still open.
// It is safe to call more than once and before Start.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv, tlsSrv := s.srv, s.tlsSrv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	var errs []error
	for _, server := range []*http.Server{srv, tlsSrv} {
		if err := server.Shutdown(drainCtx); err != nil {
			s.logger.With("err", err).Warn("mock server did not drain in time, closing connections")
			if closeErr := server.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("failed to close mock server: %w", closeErr))
			}
		}
	}

	s.logger.
		With("matched", len(s.ReceivedRequests())).
		With("unmatched", len(s.UnmatchedRequests())).
		Info("mock server stopped")

	return errors.Join(errs...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}

	started := time.Now()

	req, err := parseRequest(w, r)
	if err != nil {
		s.metrics.requests.WithLabelValues(r.Method, outcomeError).Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	matched := s.match(req)
	if matched != nil {
		s.metrics.requests.WithLabelValues(req.Method, outcomeMatched).Inc()
		s.logger.With("rule", matched.desc).With("method", req.Method).With("url", req.URL.String()).Debug("mock rule matched")
		writeResponse(w, matched.responder(req))
		s.metrics.duration.WithLabelValues(outcomeMatched).Observe(time.Since(started).Seconds())
		return
	}

	if s.cfg.Unmatched == configs.UnmatchedPassthrough {
		s.metrics.requests.WithLabelValues(req.Method, outcomePassthrough).Inc()
		s.passthrough(w, r, req)
		s.metrics.duration.WithLabelValues(outcomePassthrough).Observe(time.Since(started).Seconds())
		return
	}

	s.metrics.requests.WithLabelValues(req.Method, outcomeUnmatched).Inc()
	s.logger.With("method", req.Method).With("url", req.URL.String()).Warn("no mock rule matched request")
	writeResponse(w, Response{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(fmt.Sprintf("no mock rule matched %s %s\n", req.Method, req.URL.String())),
	})
	s.metrics.duration.WithLabelValues(outcomeUnmatched).Observe(time.Since(started).Seconds())
}

// match finds the first eligible rule in registration order and records the request against it.
// Matchers run without the server lock, so a predicate may inspect the server. A rule exhausted by a
// concurrent request between matching and claiming is skipped. Unmatched requests are recorded
// separately.
func (s *Server) match(req *Request) *rule {
	s.mu.Lock()
	rules := slices.Clone(s.rules)
	s.mu.Unlock()

	for _, r := range rules {
		if !r.eligible() || !r.matcher(req) {
			continue
		}

		s.mu.Lock()
		claimed := r.endpoint.claim(req)
		if claimed {
			s.requests = append(s.requests, req.clone())
		}
		s.mu.Unlock()

		if claimed {
			return r
		}
	}

	s.mu.Lock()
	s.unmatched = append(s.unmatched, req.clone())
	s.mu.Unlock()
	return nil
}

func (s *Server) passthrough(w http.ResponseWriter, r *http.Request, req *Request) {
	out, err := http.NewRequestWithContext(r.Context(), req.Method, req.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build upstream request: %v", err), http.StatusBadGateway)
		return
	}
	out.Header = req.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := s.upstream.Do(out)
	if err != nil {
		s.logger.With("err", err).With("url", req.URL.String()).Warn("passthrough request failed")
		http.Error(w, fmt.Sprintf("passthrough to %s failed: %v", req.URL.String(), err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.With("err", err).Debug("failed to copy passthrough response")
	}
}

// handleConnect takes over a CONNECT tunnel and hands it, TLS-terminated, to the tunnel server so
// the requests inside are matched like any other.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "tunnelling not supported", http.StatusInternalServerError)
		return
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}

	conn, _, err := hijacker.Hijack()
	if err != nil {
		s.logger.With("err", err).Warn("failed to hijack CONNECT request")
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	tunnels := s.tunnels
	s.mu.Unlock()

	if err := tunnels.push(tls.Server(conn, s.ca.tlsConfig(host))); err != nil {
		_ = conn.Close()
	}
}

func (s *Server) trackTunnel(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.metrics.tunnels.Inc()
	case http.StateHijacked, http.StateClosed:
		s.metrics.tunnels.Dec()
	}
}

// parseRequest reads the body and resolves the absolute URL whichever way the request arrived:
// absolute-form through the proxy, origin-form with a Host header, or inside a TLS tunnel.
func parseRequest(w http.ResponseWriter, r *http.Request) (*Request, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
		u.Host = r.Host
	}
	u.Host = canonicalHost(u.Scheme, u.Host)

	return &Request{
		Method:     r.Method,
		URL:        &u,
		Header:     r.Header.Clone(),
		Body:       body,
		ReceivedAt: time.Now(),
	}, nil
}

func writeResponse(w http.ResponseWriter, resp Response) {
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func cloneRequests(in []Request) []Request {
	out := make([]Request, len(in))
	for i := range in {
		out[i] = in[i].clone()
	}
	return out
}
