// Package drivertest provides an in-memory driver.Browser for exercising code that drives a page
// without launching Chrome.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/compose-network/scenario-harness/internal/driver"
)

// Node is one element of the fake page. It matches a CSS or XPath locator when the expression is one
// of its Selectors.
type Node struct {
	Tag       string
	Selectors []string
	Text      string
	Value     string
	Visible   bool
	// OnClick runs after the node is clicked, without the browser lock held.
	OnClick func(b *Browser)

	ref string
}

// Browser is a scripted page. Handlers registered with OnNavigate render it.
type Browser struct {
	mu       sync.Mutex
	url      string
	nodes    []*Node
	nextRef  int
	console  []string
	clicks   []string
	history  []string
	closed   bool
	queryErr error
	navigate func(b *Browser, url string)
	timers   []*time.Timer
}

var ErrClosed = errors.New("fake browser closed")

func New() *Browser {
	return &Browser{}
}

// OnNavigate sets the handler that renders the page for a URL.
func (b *Browser) OnNavigate(fn func(b *Browser, url string)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.navigate = fn
}

// Add appends n to the page and returns its ref.
func (b *Browser) Add(n Node) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.add(n)
}

// AddAfter adds n once d has elapsed.
func (b *Browser) AddAfter(d time.Duration, n Node) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.timers = append(b.timers, time.AfterFunc(d, func() { b.Add(n) }))
}

// Remove drops every node answering to selector.
func (b *Browser) Remove(selector string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nodes = slices.DeleteFunc(b.nodes, func(n *Node) bool {
		return slices.Contains(n.Selectors, selector)
	})
}

// Clear empties the page.
func (b *Browser) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nodes = nil
}

// SetText replaces the text of every node answering to selector.
func (b *Browser) SetText(selector, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, n := range b.nodes {
		if slices.Contains(n.Selectors, selector) {
			n.Text = text
		}
	}
}

// ValueOf returns the value of the first node answering to selector.
func (b *Browser) ValueOf(selector string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, n := range b.nodes {
		if slices.Contains(n.Selectors, selector) {
			return n.Value
		}
	}
	return ""
}

// FailQueries makes every Query return err until called with nil.
func (b *Browser) FailQueries(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queryErr = err
}

func (b *Browser) Log(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.console = append(b.console, line)
}

func (b *Browser) URL() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.url
}

// History lists every navigated URL in order.
func (b *Browser) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.history)
}

// Clicks lists the refs clicked in order.
func (b *Browser) Clicks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.clicks)
}

func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

func (b *Browser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.url = url
	b.history = append(b.history, url)
	b.nodes = nil
	render := b.navigate
	b.mu.Unlock()

	if render != nil {
		render(b, url)
	}
	return nil
}

func (b *Browser) Query(ctx context.Context, loc driver.Locator) ([]driver.ElementState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.queryErr != nil {
		return nil, b.queryErr
	}

	var states []driver.ElementState
	for _, n := range b.nodes {
		if !matches(n, loc) {
			continue
		}
		states = append(states, driver.ElementState{
			Ref:     n.ref,
			Tag:     n.Tag,
			Text:    driver.NormalizeText(n.Text),
			Value:   n.Value,
			Visible: n.Visible,
		})
	}
	return states, nil
}

func (b *Browser) Click(_ context.Context, ref string) error {
	b.mu.Lock()
	n, err := b.byRef(ref)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.clicks = append(b.clicks, ref)
	onClick := n.OnClick
	b.mu.Unlock()

	if onClick != nil {
		onClick(b)
	}
	return nil
}

func (b *Browser) Fill(_ context.Context, ref string, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.byRef(ref)
	if err != nil {
		return err
	}
	n.Value = value
	return nil
}

// Screenshot returns a PNG signature followed by the current URL.
func (b *Browser) Screenshot(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	return append([]byte("\x89PNG\r\n\x1a\n"), b.url...), nil
}

func (b *Browser) PageSource(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	var sb strings.Builder
	sb.WriteString("<html><body>\n")
	for _, n := range b.nodes {
		fmt.Fprintf(&sb, "<%s %s=%q>%s</%s>\n", n.Tag, driver.RefAttribute, n.ref, n.Text, n.Tag)
	}
	sb.WriteString("</body></html>\n")
	return sb.String(), nil
}

func (b *Browser) ConsoleLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.console)
}

func (b *Browser) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	return nil
}

func (b *Browser) add(n Node) string {
	b.nextRef++
	n.ref = fmt.Sprintf("h%d", b.nextRef)
	if n.Tag == "" {
		n.Tag = "div"
	}
	b.nodes = append(b.nodes, &n)
	return n.ref
}

func (b *Browser) byRef(ref string) (*Node, error) {
	if b.closed {
		return nil, ErrClosed
	}
	for _, n := range b.nodes {
		if n.ref == ref {
			return n, nil
		}
	}
	return nil, fmt.Errorf("node %s is no longer attached", ref)
}

func matches(n *Node, loc driver.Locator) bool {
	switch {
	case loc.CSS != "" && loc.CSS == driver.ByRef(n.ref).CSS:
	case loc.CSS != "" && !slices.Contains(n.Selectors, loc.CSS):
		return false
	case loc.XPath != "" && !slices.Contains(n.Selectors, loc.XPath):
		return false
	}
	if loc.Tag != "" && !strings.EqualFold(loc.Tag, n.Tag) {
		return false
	}
	if loc.Text != "" && !strings.Contains(driver.NormalizeText(n.Text), driver.NormalizeText(loc.Text)) {
		return false
	}
	return true
}
