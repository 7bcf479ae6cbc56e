package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/logger"
)

type WaitState int

const (
	// StateVisible waits for at least one visible match.
	StateVisible WaitState = iota
	// StatePresent waits for at least one match, visible or not.
	StatePresent
	// StateHidden waits until no match is visible.
	StateHidden
	// StateDetached waits until nothing matches.
	StateDetached
)

func (s WaitState) String() string {
	switch s {
	case StateVisible:
		return "visible"
	case StatePresent:
		return "present"
	case StateHidden:
		return "hidden"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("WaitState(%d)", int(s))
	}
}

var errPending = errors.New("condition not met yet")

type (
	Config struct {
		// ElementTimeout bounds every lookup and wait that has no per-call Timeout.
		ElementTimeout time.Duration
		PollInterval   time.Duration
		// ProbeTimeout bounds the single query behind IsElementPresent and the default wait of
		// AssertElementNotPresent.
		ProbeTimeout time.Duration
		// ActionTimeout bounds Navigate, Click and Fill. Zero falls back to ElementTimeout.
		ActionTimeout time.Duration
	}

	waitOptions struct {
		timeout time.Duration
		action  time.Duration
		state   WaitState
	}

	WaitOption func(*waitOptions)

	// Driver adds bounded waits, locator errors and the wallet app entry point on top of a Browser.
	Driver struct {
		browser Browser
		cfg     Config
		appURL  string
		logger  *slog.Logger

		mu   sync.Mutex
		quit bool
	}
)

func ConfigFrom(c configs.Driver) Config {
	return Config{
		ElementTimeout: c.ElementTimeout,
		PollInterval:   c.PollInterval,
		ProbeTimeout:   c.ProbeTimeout,
		ActionTimeout:  c.ActionTimeout,
	}
}

// Timeout overrides the bound for one call, both the wait for the element and the action on it.
func Timeout(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.timeout = d
		o.action = d
	}
}

// State selects what WaitForSelector waits for. The default is StateVisible.
func State(s WaitState) WaitOption {
	return func(o *waitOptions) {
		o.state = s
	}
}

// New wraps browser. appURL is where Navigate goes when called with an empty URL.
func New(browser Browser, cfg Config, appURL string) *Driver {
	return &Driver{
		browser: browser,
		cfg:     cfg,
		appURL:  appURL,
		logger:  logger.Named("driver"),
	}
}

func (d *Driver) AppURL() string {
	return d.appURL
}

// Navigate loads url, or the wallet app when url is empty. The load is bounded by ActionTimeout
// unless a Timeout option overrides it.
func (d *Driver) Navigate(ctx context.Context, url string, opts ...WaitOption) error {
	if url == "" {
		url = d.appURL
	}
	o := d.options(opts)

	d.logger.With("url", url).Debug("navigating")
	err := d.act(ctx, o.action, func(ctx context.Context) error {
		return d.browser.Navigate(ctx, url)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQuit):
		return err
	default:
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
}

// FindElement waits for the first element matching loc.
func (d *Driver) FindElement(ctx context.Context, loc Locator, opts ...WaitOption) (*Element, error) {
	o := d.options(opts)

	states, err := d.waitFor(ctx, loc, o.timeout, func(states []ElementState) bool {
		return len(states) > 0
	})
	if err != nil {
		return nil, d.lookupError("find element", loc, o.timeout, ErrElementNotFound, err)
	}
	return d.element(loc, states[0]), nil
}

// FindVisibleElement waits for the first visible element matching loc.
func (d *Driver) FindVisibleElement(ctx context.Context, loc Locator, opts ...WaitOption) (*Element, error) {
	o := d.options(opts)

	states, err := d.waitFor(ctx, loc, o.timeout, func(states []ElementState) bool {
		return firstVisible(states) >= 0
	})
	if err != nil {
		sentinel := ErrElementNotFound
		if len(states) > 0 {
			sentinel = ErrElementNotVisible
		}
		return nil, d.lookupError("find visible element", loc, o.timeout, sentinel, err)
	}
	return d.element(loc, states[firstVisible(states)]), nil
}

// FindElements waits for at least one match and returns them all. No match within the bound yields
// an empty slice, not an error.
func (d *Driver) FindElements(ctx context.Context, loc Locator, opts ...WaitOption) ([]*Element, error) {
	o := d.options(opts)

	states, err := d.waitFor(ctx, loc, o.timeout, func(states []ElementState) bool {
		return len(states) > 0
	})
	if err != nil && !errors.Is(err, errPending) {
		return nil, d.lookupError("find elements", loc, o.timeout, ErrElementNotFound, err)
	}

	elements := make([]*Element, 0, len(states))
	for _, s := range states {
		elements = append(elements, d.element(loc, s))
	}
	return elements, nil
}

// WaitForSelector polls until loc reaches the requested state and fails with ErrTimeout otherwise.
// The returned element is nil for StateHidden and StateDetached.
func (d *Driver) WaitForSelector(ctx context.Context, loc Locator, opts ...WaitOption) (*Element, error) {
	o := d.options(opts)

	states, err := d.waitFor(ctx, loc, o.timeout, func(states []ElementState) bool {
		switch o.state {
		case StatePresent:
			return len(states) > 0
		case StateHidden:
			return firstVisible(states) < 0
		case StateDetached:
			return len(states) == 0
		default:
			return firstVisible(states) >= 0
		}
	})
	if err != nil {
		return nil, d.lookupError("wait for "+o.state.String(), loc, o.timeout, ErrTimeout, err)
	}

	switch o.state {
	case StatePresent:
		return d.element(loc, states[0]), nil
	case StateVisible:
		return d.element(loc, states[firstVisible(states)]), nil
	default:
		return nil, nil
	}
}

// IsElementPresent reports whether loc matches anything right now. It never returns an error: a
// failed or expired probe counts as absent.
func (d *Driver) IsElementPresent(ctx context.Context, loc Locator) bool {
	if d.usable() != nil || loc.Validate() != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	states, err := d.browser.Query(probeCtx, loc)
	if err != nil {
		d.logger.With("locator", loc.String()).With("err", err).Debug("presence probe failed")
		return false
	}
	return len(states) > 0
}

// AssertElementNotPresent fails with ErrElementPresent when loc still matches once the bound, by
// default ProbeTimeout, expires.
func (d *Driver) AssertElementNotPresent(ctx context.Context, loc Locator, opts ...WaitOption) error {
	o := waitOptions{timeout: d.cfg.ProbeTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	_, err := d.waitFor(ctx, loc, o.timeout, func(states []ElementState) bool {
		return len(states) == 0
	})
	if err != nil {
		return d.lookupError("assert not present", loc, o.timeout, ErrElementPresent, err)
	}
	return nil
}

// ClickElement waits for loc to be visible and clicks it.
func (d *Driver) ClickElement(ctx context.Context, loc Locator, opts ...WaitOption) error {
	el, err := d.FindVisibleElement(ctx, loc, opts...)
	if err != nil {
		return err
	}
	return el.Click(ctx, opts...)
}

// Fill waits for loc to be visible and replaces its value.
func (d *Driver) Fill(ctx context.Context, loc Locator, value string, opts ...WaitOption) error {
	el, err := d.FindVisibleElement(ctx, loc, opts...)
	if err != nil {
		return err
	}
	return el.Fill(ctx, value, opts...)
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	png, err := d.browser.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return png, nil
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	if err := d.usable(); err != nil {
		return "", err
	}
	html, err := d.browser.PageSource(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read page source: %w", err)
	}
	return html, nil
}

func (d *Driver) ConsoleLog() []string {
	return d.browser.ConsoleLog()
}

// Quit closes the browser. Calls after the first are no-ops.
func (d *Driver) Quit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.quit {
		return nil
	}
	d.quit = true

	if err := d.browser.Close(ctx); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	d.logger.Info("browser closed")
	return nil
}

func (d *Driver) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.quit {
		return ErrQuit
	}
	return nil
}

func (d *Driver) options(opts []WaitOption) waitOptions {
	o := waitOptions{timeout: d.cfg.ElementTimeout, action: d.cfg.ActionTimeout, state: StateVisible}
	if o.action <= 0 {
		o.action = d.cfg.ElementTimeout
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// act runs one browser action under timeout. An expired bound comes back wrapped in ErrTimeout; the
// caller's own cancellation is returned as is.
func (d *Driver) act(ctx context.Context, timeout time.Duration, action func(context.Context) error) error {
	if err := d.usable(); err != nil {
		return err
	}

	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := action(actCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(actCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// actionError reports a failed action on an element. Timeouts carry the locator like lookup errors.
func (d *Driver) actionError(op string, loc Locator, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, ErrQuit):
		return err
	case errors.Is(err, ErrTimeout):
		locErr := &LocatorError{Op: op, Locator: loc, Timeout: timeout, Err: err}
		d.logger.With("locator", loc.String()).With("err", locErr).Debug("action timed out")
		return locErr
	default:
		return fmt.Errorf("failed to %s %s: %w", op, loc, err)
	}
}

// waitFor queries loc every PollInterval until accept holds or timeout expires. On failure it returns
// the last observed states with errPending, the last backend error, or the caller's context error.
func (d *Driver) waitFor(ctx context.Context, loc Locator, timeout time.Duration, accept func([]ElementState) bool) ([]ElementState, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		last    []ElementState
		lastErr error = errPending
	)
	err := retry.Do(
		func() error {
			states, err := d.browser.Query(waitCtx, loc)
			if err != nil {
				if waitCtx.Err() == nil {
					lastErr = err
				}
				return err
			}
			last = states
			if !accept(states) {
				lastErr = errPending
				return errPending
			}
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(d.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return last, nil
	}
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, lastErr
}

func (d *Driver) lookupError(op string, loc Locator, timeout time.Duration, sentinel, cause error) error {
	switch {
	case errors.Is(cause, ErrQuit):
		return cause
	case errors.Is(cause, errPending):
		cause = sentinel
	case errors.Is(cause, context.Canceled):
	case errors.Is(cause, context.DeadlineExceeded):
		cause = fmt.Errorf("%w: %w", sentinel, cause)
	default:
		if loc.Validate() != nil {
			return &LocatorError{Op: op, Locator: loc, Err: cause}
		}
		cause = fmt.Errorf("%w: %w", sentinel, cause)
	}

	err := &LocatorError{Op: op, Locator: loc, Timeout: timeout, Err: cause}
	d.logger.With("locator", loc.String()).With("err", err).Debug("lookup failed")
	return err
}

func (d *Driver) element(loc Locator, state ElementState) *Element {
	return &Element{driver: d, locator: loc, state: state}
}

func firstVisible(states []ElementState) int {
	for i, s := range states {
		if s.Visible {
			return i
		}
	}
	return -1
}
