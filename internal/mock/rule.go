package mock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"
)

var ErrInvalidRule = errors.New("invalid mock rule")

type (
	// Request is the parsed view of an intercepted request handed to matchers and responders.
	Request struct {
		Method     string
		URL        *url.URL
		Header     http.Header
		Body       []byte
		ReceivedAt time.Time
	}

	// Response is what a responder wants sent back.
	Response struct {
		StatusCode int
		Header     http.Header
		Body       []byte
	}

	// Matcher decides whether a rule applies to a request. It must not mutate the request.
	Matcher func(*Request) bool

	// Responder computes the reply for a matched request.
	Responder func(*Request) Response

	// Completion bounds how many requests a rule answers. Zero means unlimited.
	Completion struct {
		limit int
	}
)

var (
	Always = Completion{}
	Once   = Completion{limit: 1}
)

// Times answers exactly n requests.
func Times(n int) Completion {
	return Completion{limit: n}
}

func (c Completion) String() string {
	if c.limit == 0 {
		return "always"
	}
	return fmt.Sprintf("times(%d)", c.limit)
}

// JSON decodes the request body into v.
func (r *Request) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func (r *Request) clone() Request {
	out := *r
	u := *r.URL
	out.URL = &u
	out.Header = r.Header.Clone()
	out.Body = bytes.Clone(r.Body)
	return out
}

// JSONResponse builds a response with a JSON body. Marshal failures turn into a 500 so a broken
// responder is visible in the scenario instead of hanging it.
func JSONResponse(status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:       []byte(fmt.Sprintf("mock responder failed to encode JSON: %v", err)),
		}
	}
	return Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       body,
	}
}

type rule struct {
	desc       string
	matcher    Matcher
	responder  Responder
	completion Completion
	endpoint   *Endpoint
}

// eligible reports whether the rule may still answer. It is a hint for skipping exhausted rules
// before running the matcher; claim makes the final decision.
func (r *rule) eligible() bool {
	r.endpoint.mu.Lock()
	defer r.endpoint.mu.Unlock()

	return r.endpoint.open()
}

// Endpoint is the handle of a registered rule, used for post-scenario assertions.
type Endpoint struct {
	desc       string
	completion Completion

	mu   sync.Mutex
	hits int
	seen []Request
}

// claim records req against the endpoint unless its completion limit has been reached meanwhile.
func (e *Endpoint) claim(req *Request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open() {
		return false
	}
	e.hits++
	e.seen = append(e.seen, req.clone())
	return true
}

// open requires e.mu.
func (e *Endpoint) open() bool {
	return e.completion.limit == 0 || e.hits < e.completion.limit
}

// SeenRequests returns the requests this rule answered, in arrival order.
func (e *Endpoint) SeenRequests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Request, len(e.seen))
	for i := range e.seen {
		out[i] = e.seen[i].clone()
	}
	return out
}

// Hits is the number of requests this rule answered.
func (e *Endpoint) Hits() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.hits
}

// IsPending reports whether the rule still expects requests. An unlimited rule is pending until it
// has been hit once.
func (e *Endpoint) IsPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.completion.limit == 0 {
		return e.hits == 0
	}
	return e.hits < e.completion.limit
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s [%s]", e.desc, e.completion)
}

// RuleBuilder composes a matcher, a completion and a responder. Nothing is registered until one
// of the Then methods is called.
type RuleBuilder struct {
	server     *Server
	desc       []string
	matchers   []Matcher
	completion Completion
	err        error
}

func newRuleBuilder(s *Server, method, rawURL string) *RuleBuilder {
	b := &RuleBuilder{server: s, completion: Once}

	if method != "" {
		b.desc = append(b.desc, method)
		b.matchers = append(b.matchers, func(r *Request) bool { return r.Method == method })
	} else {
		b.desc = append(b.desc, "ANY")
	}

	if rawURL != "" {
		target, err := parseTarget(rawURL)
		if err != nil {
			b.err = err
			return b
		}
		b.desc = append(b.desc, rawURL)
		b.matchers = append(b.matchers, target.matches)
	}

	return b
}

// Matching adds an arbitrary predicate. It runs outside the server lock, so it may call
// ReceivedRequests or PendingEndpoints.
func (b *RuleBuilder) Matching(m Matcher) *RuleBuilder {
	if m == nil {
		b.setErr(fmt.Errorf("%w: nil matcher", ErrInvalidRule))
		return b
	}
	b.desc = append(b.desc, "matching(func)")
	b.matchers = append(b.matchers, m)
	return b
}

// WithURLPattern requires the full request URL to match re.
func (b *RuleBuilder) WithURLPattern(re *regexp.Regexp) *RuleBuilder {
	b.desc = append(b.desc, "url~"+re.String())
	b.matchers = append(b.matchers, func(r *Request) bool { return re.MatchString(r.URL.String()) })
	return b
}

// WithQuery requires a query parameter with the given value.
func (b *RuleBuilder) WithQuery(key, value string) *RuleBuilder {
	b.desc = append(b.desc, fmt.Sprintf("query %s=%s", key, value))
	b.matchers = append(b.matchers, func(r *Request) bool {
		values, ok := r.URL.Query()[key]
		return ok && containsString(values, value)
	})
	return b
}

// WithHeader requires a header with the given value, compared case-insensitively.
func (b *RuleBuilder) WithHeader(key, value string) *RuleBuilder {
	b.desc = append(b.desc, fmt.Sprintf("header %s=%s", key, value))
	b.matchers = append(b.matchers, func(r *Request) bool {
		for _, v := range r.Header.Values(key) {
			if strings.EqualFold(v, value) {
				return true
			}
		}
		return false
	})
	return b
}

// WithBodyIncluding requires the raw body to contain s.
func (b *RuleBuilder) WithBodyIncluding(s string) *RuleBuilder {
	b.desc = append(b.desc, fmt.Sprintf("body~%q", s))
	b.matchers = append(b.matchers, func(r *Request) bool { return bytes.Contains(r.Body, []byte(s)) })
	return b
}

// WithJSONBody requires the body to be JSON containing every field of v.
func (b *RuleBuilder) WithJSONBody(v any) *RuleBuilder {
	raw, err := json.Marshal(v)
	if err != nil {
		b.setErr(fmt.Errorf("%w: failed to encode expected body: %w", ErrInvalidRule, err))
		return b
	}
	var expected any
	if err := json.Unmarshal(raw, &expected); err != nil {
		b.setErr(fmt.Errorf("%w: failed to normalize expected body: %w", ErrInvalidRule, err))
		return b
	}

	b.desc = append(b.desc, "json "+string(raw))
	b.matchers = append(b.matchers, func(r *Request) bool {
		var actual any
		if err := json.Unmarshal(r.Body, &actual); err != nil {
			return false
		}
		return jsonSubset(expected, actual)
	})
	return b
}

// Always keeps the rule active for every matching request.
func (b *RuleBuilder) Always() *RuleBuilder {
	b.completion = Always
	return b
}

// Once answers only the first matching request. This is the default.
func (b *RuleBuilder) Once() *RuleBuilder {
	b.completion = Once
	return b
}

// Times answers the first n matching requests.
func (b *RuleBuilder) Times(n int) *RuleBuilder {
	if n <= 0 {
		b.setErr(fmt.Errorf("%w: times must be positive, got %d", ErrInvalidRule, n))
		return b
	}
	b.completion = Times(n)
	return b
}

// ThenReply answers with a static status and body.
func (b *RuleBuilder) ThenReply(status int, body string) (*Endpoint, error) {
	payload := []byte(body)
	return b.register(func(*Request) Response {
		return Response{StatusCode: status, Body: bytes.Clone(payload)}
	})
}

// ThenJSON answers with a static JSON document.
func (b *RuleBuilder) ThenJSON(status int, v any) (*Endpoint, error) {
	resp := JSONResponse(status, v)
	return b.register(func(*Request) Response {
		return Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: bytes.Clone(resp.Body)}
	})
}

// ThenCallback answers with whatever fn computes for the request.
func (b *RuleBuilder) ThenCallback(fn Responder) (*Endpoint, error) {
	if fn == nil {
		b.setErr(fmt.Errorf("%w: nil responder", ErrInvalidRule))
	}
	return b.register(fn)
}

func (b *RuleBuilder) register(responder Responder) (*Endpoint, error) {
	if b.err != nil {
		return nil, b.err
	}

	matchers := b.matchers
	matcher := func(r *Request) bool {
		for _, m := range matchers {
			if !m(r) {
				return false
			}
		}
		return true
	}

	return b.server.addRule(strings.Join(b.desc, " "), matcher, responder, b.completion)
}

func (b *RuleBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// target is an exact URL to match. A target without scheme and host matches on path only.
type target struct {
	scheme string
	host   string
	path   string
	query  url.Values
}

func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fmt.Errorf("%w: bad url %q: %w", ErrInvalidRule, raw, err)
	}
	if u.Host == "" && !strings.HasPrefix(u.Path, "/") {
		return target{}, fmt.Errorf("%w: url %q must be absolute or start with '/'", ErrInvalidRule, raw)
	}

	t := target{
		scheme: strings.ToLower(u.Scheme),
		host:   canonicalHost(u.Scheme, u.Host),
		path:   u.EscapedPath(),
	}
	if t.path == "" {
		t.path = "/"
	}
	if u.RawQuery != "" {
		t.query = u.Query()
	}
	return t, nil
}

func (t target) matches(r *Request) bool {
	if t.host != "" {
		if !strings.EqualFold(r.URL.Scheme, t.scheme) || canonicalHost(r.URL.Scheme, r.URL.Host) != t.host {
			return false
		}
	}

	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if path != t.path {
		return false
	}

	if t.query != nil {
		return reflect.DeepEqual(t.query, r.URL.Query())
	}
	return true
}

func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch {
	case strings.EqualFold(scheme, "http") && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case strings.EqualFold(scheme, "https") && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}

// jsonSubset reports whether every field present in expected appears with the same value in actual.
// Arrays must match element-wise.
func jsonSubset(expected, actual any) bool {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range exp {
			av, ok := act[k]
			if !ok || !jsonSubset(v, av) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !jsonSubset(exp[i], act[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(expected, actual)
	}
}

func containsString(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
