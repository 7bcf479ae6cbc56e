package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/compose-network/scenario-harness/internal/harness"
	"github.com/compose-network/scenario-harness/internal/logger"
)

type (
	// Invoker runs one scenario in a fresh environment.
	Invoker interface {
		WithFixtures(ctx context.Context, opts harness.Options, scenario harness.Scenario) (harness.Outcome, error)
	}

	Result struct {
		File    *File
		Outcome harness.Outcome
		Err     error
		// Skipped is set for files never started because an earlier one failed under fail-fast.
		Skipped bool
	}

	Report struct {
		Results  []Result
		Duration time.Duration
	}

	// Runner executes scenario files one after the other, each in its own environment.
	Runner struct {
		invoker  Invoker
		failFast bool
		logger   *slog.Logger
	}
)

func NewRunner(invoker Invoker, failFast bool) *Runner {
	return &Runner{
		invoker:  invoker,
		failFast: failFast,
		logger:   logger.Named("scenario_runner"),
	}
}

func (r *Runner) Run(ctx context.Context, files []*File) Report {
	started := time.Now()
	report := Report{Results: make([]Result, 0, len(files))}

	failed := false
	for _, f := range files {
		if failed && r.failFast {
			report.Results = append(report.Results, Result{File: f, Skipped: true})
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Results = append(report.Results, Result{File: f, Err: err, Skipped: true})
			continue
		}

		result := r.runOne(ctx, f)
		if result.Err != nil {
			failed = true
		}
		report.Results = append(report.Results, result)
	}

	report.Duration = time.Since(started)
	return report
}

func (r *Runner) runOne(ctx context.Context, f *File) Result {
	l := r.logger.With("title", f.Title).With("path", f.Path)

	opts, err := f.Options()
	if err != nil {
		l.With("err", err).Error("failed to prepare scenario")
		return Result{File: f, Err: fmt.Errorf("failed to prepare scenario %q: %w", f.Title, err)}
	}

	l.Info("running scenario")
	outcome, err := r.invoker.WithFixtures(ctx, opts, f.Scenario())
	if err != nil {
		l.With("err", err).Error("scenario failed")
	} else {
		l.With("duration", outcome.Duration().String()).Info("scenario passed")
	}
	return Result{File: f, Outcome: outcome, Err: err}
}

func (r Report) Passed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Skipped && res.Err == nil {
			n++
		}
	}
	return n
}

func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Skipped && res.Err != nil {
			n++
		}
	}
	return n
}

func (r Report) Skipped() int {
	n := 0
	for _, res := range r.Results {
		if res.Skipped {
			n++
		}
	}
	return n
}

// Err joins the errors of every failed scenario.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if !res.Skipped && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}
