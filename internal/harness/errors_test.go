package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/compose-network/scenario-harness/internal/driver"
	"github.com/compose-network/scenario-harness/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailure_Is(t *testing.T) {
	cause := errors.New("cause")
	leak := errors.New("leak")

	tests := []struct {
		name     string
		failure  *Failure
		matches  []error
		excludes []error
	}{
		{
			name:     "setup",
			failure:  &Failure{Kind: KindSetup, Err: cause},
			matches:  []error{ErrSetup, cause},
			excludes: []error{ErrScenario, ErrTeardown},
		},
		{
			name:     "timeout counts as scenario",
			failure:  &Failure{Kind: KindTimeout, Err: cause},
			matches:  []error{ErrScenario, cause},
			excludes: []error{ErrSetup, ErrTeardown},
		},
		{
			name:     "scenario with teardown errors",
			failure:  &Failure{Kind: KindScenario, Err: cause, TeardownErrs: []error{leak}},
			matches:  []error{ErrScenario, ErrTeardown, cause, leak},
			excludes: []error{ErrSetup},
		},
		{
			name:     "teardown",
			failure:  &Failure{Kind: KindTeardown, Err: cause},
			matches:  []error{ErrTeardown},
			excludes: []error{ErrSetup, ErrScenario},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, target := range tt.matches {
				assert.ErrorIs(t, tt.failure, target)
			}
			for _, target := range tt.excludes {
				assert.NotErrorIs(t, tt.failure, target)
			}
		})
	}
}

func TestFailure_Error(t *testing.T) {
	f := &Failure{
		Title:        "imports token",
		Kind:         KindScenario,
		Err:          errors.New("toast missing"),
		TeardownErrs: []error{errors.New("chain stuck")},
		Artifacts:    []Artifact{{Name: "outcome.yaml", Path: "/tmp/a/outcome.yaml"}},
	}

	assert.Equal(t,
		`scenario "imports token" failed (scenario): toast missing; teardown errors: [chain stuck]; artifacts: /tmp/a/outcome.yaml`,
		f.Error())
}

func TestClassify(t *testing.T) {
	locErr := &driver.LocatorError{Op: "wait for", Locator: driver.CSS(".x"), Timeout: time.Second, Err: driver.ErrTimeout}

	assert.Equal(t, KindTimeout, classify(locErr))
	assert.Equal(t, KindTimeout, classify(fmt.Errorf("step 3: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindScenario, classify(context.Canceled))
	assert.Equal(t, KindScenario, classify(errors.New("assertion failed")))
}

func TestLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLifecycle(func() time.Time { return now }, logger.Discard())

	l.advance(StateProvisioning)
	l.advance(StateTearingDown)
	l.advance(StateFailed)

	history := l.transitions()
	require.Len(t, history, 3)
	assert.Equal(t, Transition{From: StateIdle, To: StateProvisioning, At: now}, history[0])
	assert.Equal(t, StateFailed, history[2].To)

	assert.Panics(t, func() { l.advance(StateRunning) })
	assert.Panics(t, func() { newLifecycle(time.Now, logger.Discard()).advance(StateRunning) })
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Imports an ERC1155 token":   "imports-an-erc1155-token",
		"  spaces -- and   dashes  ": "spaces-and-dashes",
		"Ünïcode only":               "n-code-only",
		"!!!":                        "scenario",
		strings.Repeat("ab ", 40):    strings.TrimSuffix(strings.Repeat("ab-", 21), "-") + "-a",
	}

	for in, want := range tests {
		assert.Equal(t, want, slug(in), in)
	}
}

func TestWithQuery(t *testing.T) {
	got, err := withQuery("chrome-extension://wallet/home.html?x=1", FixturesQueryParam, "http://127.0.0.1:5000/state.json")
	require.NoError(t, err)
	assert.Equal(t, "chrome-extension://wallet/home.html?fixtures=http%3A%2F%2F127.0.0.1%3A5000%2Fstate.json&x=1", got)
}
