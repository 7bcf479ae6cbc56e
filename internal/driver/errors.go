package driver

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrElementNotFound   = errors.New("element not found")
	ErrElementNotVisible = errors.New("element not visible")
	ErrElementPresent    = errors.New("element unexpectedly present")
	ErrTimeout           = errors.New("timed out")
	ErrQuit              = errors.New("driver already quit")
)

// LocatorError is returned by every lookup and wait that gives up on a locator.
type LocatorError struct {
	Op      string
	Locator Locator
	Timeout time.Duration
	Err     error
}

func (e *LocatorError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s %s: %v after %s", e.Op, e.Locator, e.Err, e.Timeout)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Locator, e.Err)
}

func (e *LocatorError) Unwrap() error {
	return e.Err
}
