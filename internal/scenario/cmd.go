package scenario

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/harness"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var CMD = &cobra.Command{
	Use:   "run <scenario.yaml|dir>...",
	Short: "Run declarative scenarios, each in its own isolated environment",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configs.Values
		slog.Info("running scenarios. Validating config", slog.Any("config", cfg.Harness))

		files, err := LoadAll(args)
		if err != nil {
			return err
		}

		o, err := harness.New(cfg.Harness)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report := NewRunner(o, cfg.Scenarios.FailFast).Run(ctx, files)
		PrintReport(cmd.OutOrStdout(), report)

		if failed := report.Failed(); failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(report.Results))
		}
		return nil
	},
}

func init() {
	if err := declareFlags(stringFlags); err != nil {
		panic(err)
	}
	if err := declareFlags(boolFlags); err != nil {
		panic(err)
	}
}

// LoadAll loads every path, expanding directories to the *.yaml and *.yml files they contain in
// lexical order.
func LoadAll(paths []string) ([]*File, error) {
	var (
		files []*File
		errs  []error
	)

	for _, p := range paths {
		expanded, err := expandPath(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range expanded {
			f, err := Load(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			files = append(files, f)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(files) == 0 {
		return nil, errors.New("no scenario files found")
	}
	return files, nil
}

func expandPath(p string) ([]string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	if !info.IsDir() {
		return []string{p}, nil
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p, err)
	}

	var out []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		out = append(out, filepath.Join(p, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

var (
	passLabel = color.New(color.FgGreen, color.Bold)
	failLabel = color.New(color.FgRed, color.Bold)
	skipLabel = color.New(color.FgYellow)
)

// PrintReport writes one line per scenario followed by failure details and a summary line.
func PrintReport(out io.Writer, report Report) {
	for _, res := range report.Results {
		title := res.File.Title
		switch {
		case res.Skipped:
			skipLabel.Fprint(out, "SKIP")
			fmt.Fprintf(out, "  %s\n", title)
		case res.Err == nil:
			passLabel.Fprint(out, "PASS")
			fmt.Fprintf(out, "  %s (%s)\n", title, res.Outcome.Duration())
		default:
			failLabel.Fprint(out, "FAIL")
			fmt.Fprintf(out, "  %s (%s)\n", title, res.Outcome.Duration())
			printFailure(out, res)
		}
	}

	fmt.Fprintf(out, "\n%d scenarios: %d passed, %d failed, %d skipped in %s\n",
		len(report.Results), report.Passed(), report.Failed(), report.Skipped(), report.Duration)
}

func printFailure(out io.Writer, res Result) {
	var failure *harness.Failure
	if !errors.As(res.Err, &failure) {
		fmt.Fprintf(out, "      error: %v\n", res.Err)
		return
	}

	fmt.Fprintf(out, "      kind: %s\n", failure.Kind)
	fmt.Fprintf(out, "      error: %v\n", failure.Err)
	for _, err := range failure.TeardownErrs {
		fmt.Fprintf(out, "      teardown: %v\n", err)
	}
	for _, a := range failure.Artifacts {
		fmt.Fprintf(out, "      artifact: %s\n", a.Path)
	}
}
