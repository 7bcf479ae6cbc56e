package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/compose-network/scenario-harness/internal/driver"
)

type Kind string

const (
	// KindSetup means a backing service failed to start; the scenario never ran.
	KindSetup Kind = "setup"
	// KindScenario means the scenario callback returned an error or panicked.
	KindScenario Kind = "scenario"
	// KindTeardown means releasing resources failed after an otherwise successful run.
	KindTeardown Kind = "teardown"
	// KindTimeout means a bounded wait inside the scenario expired.
	KindTimeout Kind = "timeout"
)

var (
	ErrSetup    = errors.New("setup failed")
	ErrScenario = errors.New("scenario failed")
	ErrTeardown = errors.New("teardown failed")
)

// Failure is the terminal error of a failed invocation. errors.Is matches the primary error, every
// teardown error and the sentinel of its kind: ErrSetup, ErrScenario (scenario and timeout kinds) or
// ErrTeardown (teardown kind, or any teardown error attached to another kind).
type Failure struct {
	Title        string
	Kind         Kind
	Err          error
	TeardownErrs []error
	Artifacts    []Artifact
}

func (f *Failure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "scenario %q failed (%s): %v", f.Title, f.Kind, f.Err)

	if len(f.TeardownErrs) > 0 {
		sb.WriteString("; teardown errors:")
		for _, err := range f.TeardownErrs {
			fmt.Fprintf(&sb, " [%v]", err)
		}
	}

	if len(f.Artifacts) > 0 {
		sb.WriteString("; artifacts:")
		for _, a := range f.Artifacts {
			sb.WriteString(" " + a.Path)
		}
	}

	return sb.String()
}

func (f *Failure) Unwrap() []error {
	return append([]error{f.Err}, f.TeardownErrs...)
}

func (f *Failure) Is(target error) bool {
	switch target {
	case ErrSetup:
		return f.Kind == KindSetup
	case ErrScenario:
		return f.Kind == KindScenario || f.Kind == KindTimeout
	case ErrTeardown:
		return f.Kind == KindTeardown || len(f.TeardownErrs) > 0
	default:
		return false
	}
}

// classify tells expired waits apart from other scenario errors.
func classify(err error) Kind {
	if errors.Is(err, driver.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindScenario
}
