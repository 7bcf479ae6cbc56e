package driver

import (
	"context"
	"fmt"
)

// Element is a handle on one matched node. Its text and value are those seen at lookup time.
type Element struct {
	driver  *Driver
	locator Locator
	state   ElementState
}

func (e *Element) Ref() string { return e.state.Ref }
func (e *Element) Tag() string { return e.state.Tag }
func (e *Element) Text() string { return e.state.Text }
func (e *Element) Value() string { return e.state.Value }
func (e *Element) Locator() Locator { return e.locator }

// Click is bounded by the driver's ActionTimeout unless a Timeout option overrides it.
func (e *Element) Click(ctx context.Context, opts ...WaitOption) error {
	o := e.driver.options(opts)
	err := e.driver.act(ctx, o.action, func(ctx context.Context) error {
		return e.driver.browser.Click(ctx, e.state.Ref)
	})
	if err != nil {
		return e.driver.actionError("click", e.locator, o.action, err)
	}
	return nil
}

// Fill replaces the element's value as if typed.
func (e *Element) Fill(ctx context.Context, value string, opts ...WaitOption) error {
	o := e.driver.options(opts)
	err := e.driver.act(ctx, o.action, func(ctx context.Context) error {
		return e.driver.browser.Fill(ctx, e.state.Ref, value)
	})
	if err != nil {
		return e.driver.actionError("fill", e.locator, o.action, err)
	}
	return nil
}

// IsDisplayed re-probes the node. A node that left the document is not displayed.
func (e *Element) IsDisplayed(ctx context.Context) (bool, error) {
	if err := e.driver.usable(); err != nil {
		return false, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.driver.cfg.ProbeTimeout)
	defer cancel()

	states, err := e.driver.browser.Query(probeCtx, ByRef(e.state.Ref))
	if err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", e.locator, err)
	}
	return len(states) > 0 && states[0].Visible, nil
}
