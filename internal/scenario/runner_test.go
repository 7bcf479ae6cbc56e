package scenario

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/compose-network/scenario-harness/internal/harness"
	"github.com/fatih/color"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInvoker fails the scenarios whose title is in fail and records every title it ran.
type fakeInvoker struct {
	fail map[string]error
	ran  []string
}

func (f *fakeInvoker) WithFixtures(_ context.Context, opts harness.Options, _ harness.Scenario) (harness.Outcome, error) {
	f.ran = append(f.ran, opts.Title)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	outcome := harness.Outcome{Title: opts.Title, StartedAt: started, FinishedAt: started.Add(1500 * time.Millisecond)}

	if err, ok := f.fail[opts.Title]; ok {
		outcome.Status = harness.StatusFailed
		return outcome, err
	}
	outcome.Status = harness.StatusCompleted
	return outcome, nil
}

func mustParse(t *testing.T, title string) *File {
	t.Helper()

	f, err := Parse([]byte("title: " + title + "\nsteps:\n  - navigate: \"{{app}}\"\n"))
	require.NoError(t, err)
	return f
}

func TestRunner_RunsEveryFile(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]error{"second": errors.New("boom")}}
	files := []*File{mustParse(t, "first"), mustParse(t, "second"), mustParse(t, "third")}

	report := NewRunner(inv, false).Run(context.Background(), files)

	assert.Equal(t, []string{"first", "second", "third"}, inv.ran)
	assert.Equal(t, 2, report.Passed())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 0, report.Skipped())
	assert.ErrorContains(t, report.Err(), "boom")
}

func TestRunner_FailFastSkipsTheRest(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]error{"first": errors.New("boom")}}
	files := []*File{mustParse(t, "first"), mustParse(t, "second")}

	report := NewRunner(inv, true).Run(context.Background(), files)

	assert.Equal(t, []string{"first"}, inv.ran)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, report.Skipped())
	assert.True(t, report.Results[1].Skipped)
}

func TestRunner_CancelledContextSkips(t *testing.T) {
	inv := &fakeInvoker{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewRunner(inv, false).Run(ctx, []*File{mustParse(t, "first")})

	assert.Empty(t, inv.ran)
	assert.Equal(t, 1, report.Skipped())
	assert.NoError(t, report.Err())
}

func TestPrintReport(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := Report{
		Duration: 4 * time.Second,
		Results: []Result{
			{
				File:    &File{Title: "shows the seeded balance"},
				Outcome: harness.Outcome{StartedAt: started, FinishedAt: started.Add(1200 * time.Millisecond)},
			},
			{
				File:    &File{Title: "imports a token"},
				Outcome: harness.Outcome{StartedAt: started, FinishedAt: started.Add(2 * time.Second)},
				Err: &harness.Failure{
					Title:        "imports a token",
					Kind:         harness.KindTimeout,
					Err:          errors.New("step 4 (expect-visible): element not found"),
					TeardownErrs: []error{errors.New("failed to release chain: container stuck")},
					Artifacts:    []harness.Artifact{{Name: "outcome.yaml", Path: "test-artifacts/imports-a-token-1a2b3c4d/outcome.yaml"}},
				},
			},
			{
				File: &File{Title: "loads fixtures"},
				Err:  errors.New("failed to prepare scenario: bad fixture"),
			},
			{
				File:    &File{Title: "never started"},
				Skipped: true,
			},
		},
	}

	var buf bytes.Buffer
	PrintReport(&buf, report)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "report", buf.Bytes())
}
