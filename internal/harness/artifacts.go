package harness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	fsjson "github.com/compose-network/scenario-harness/internal/infra/filesystem/json"
	"github.com/compose-network/scenario-harness/internal/mock"
	"github.com/moby/go-archive"
	"gopkg.in/yaml.v3"
)

const (
	artifactScreenshot   = "screenshot.png"
	artifactPageSource   = "page.html"
	artifactConsoleLog   = "console.log"
	artifactMockRequests = "mock-requests.json"
	artifactMockMetrics  = "mock-metrics.prom"
	artifactChainLog     = "chain.log"
	artifactFixtureState = "fixture-state.json"
	artifactOutcome      = "outcome.yaml"
	artifactBundle       = "bundle"

	maxSlugLength = 64
)

type (
	recordedRequest struct {
		Method     string      `json:"method"`
		URL        string      `json:"url"`
		Header     http.Header `json:"header,omitempty"`
		Body       string      `json:"body,omitempty"`
		ReceivedAt time.Time   `json:"receivedAt"`
	}

	mockTraffic struct {
		Matched          []recordedRequest `json:"matched"`
		Unmatched        []recordedRequest `json:"unmatched"`
		PendingEndpoints []string          `json:"pendingEndpoints"`
	}
)

// capture collects the diagnostic files of one failed invocation. A failing piece is recorded and
// the rest are still attempted.
type capture struct {
	dir       string
	writer    *fsjson.Writer
	artifacts []Artifact
	errs      []error
}

func newCapture(dir string) *capture {
	return &capture{dir: dir, writer: fsjson.NewWriter()}
}

func (c *capture) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *capture) record(name string, err error) {
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	c.artifacts = append(c.artifacts, Artifact{Name: name, Path: c.path(name)})
}

func (c *capture) writeBytes(name string, data []byte) {
	c.record(name, c.writer.WriteBytes(c.path(name), data))
}

func (c *capture) writeJSON(name string, v any) {
	c.record(name, c.writer.WriteJSON(c.path(name), v))
}

// artifactDir is unique per invocation: the slugged title plus the run ID prefix.
func (o *Orchestrator) artifactDir(title, runID string) string {
	id := runID
	if len(id) > 8 {
		id = id[:8]
	}
	return filepath.Join(o.cfg.Artifacts.Dir, slug(title)+"-"+id)
}

// captureArtifacts snapshots every live resource. It runs before teardown so the browser still
// shows the failing page.
func (o *Orchestrator) captureArtifacts(ctx context.Context, env *environment, opts Options, runID string) *capture {
	c := newCapture(o.artifactDir(opts.Title, runID))
	l := o.logger.With("run_id", runID).With("dir", c.dir)

	bounded := func(fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Teardown.StepTimeout)
		defer cancel()
		fn(stepCtx)
	}

	if env.driver != nil {
		bounded(func(ctx context.Context) {
			png, err := env.driver.Screenshot(ctx)
			if err != nil {
				c.record(artifactScreenshot, err)
				return
			}
			c.writeBytes(artifactScreenshot, png)
		})
		bounded(func(ctx context.Context) {
			html, err := env.driver.PageSource(ctx)
			if err != nil {
				c.record(artifactPageSource, err)
				return
			}
			c.writeBytes(artifactPageSource, []byte(html))
		})
		if lines := env.driver.ConsoleLog(); len(lines) > 0 {
			c.writeBytes(artifactConsoleLog, []byte(strings.Join(lines, "\n")+"\n"))
		}
	}

	if env.mock != nil {
		c.writeJSON(artifactMockRequests, trafficOf(env.mock))
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			c.record(artifactMockMetrics, err)
		} else {
			c.record(artifactMockMetrics, env.mock.WriteMetrics(c.path(artifactMockMetrics)))
		}
	}

	if env.fixtures != nil {
		c.writeBytes(artifactFixtureState, env.fixtures.Document())
	}

	if env.chain != nil && env.chain.RPCURL() != "" {
		bounded(func(ctx context.Context) {
			logs, err := env.chain.Logs(ctx)
			if err != nil {
				c.record(artifactChainLog, err)
				return
			}
			c.writeBytes(artifactChainLog, logs)
		})
	}

	for _, err := range c.errs {
		l.With("err", err).Warn("failed to capture artifact")
	}
	l.With("count", len(c.artifacts)).Info("captured failure artifacts")
	return c
}

// finish writes outcome.yaml and, when requested, a tarball of the whole directory next to it.
func (c *capture) finish(outcome *Outcome, bundle bool) {
	c.artifacts = append(c.artifacts, Artifact{Name: artifactOutcome, Path: c.path(artifactOutcome)})
	outcome.Artifacts = c.artifacts
	for _, err := range c.errs {
		outcome.ArtifactErrors = append(outcome.ArtifactErrors, err.Error())
	}

	data, err := yaml.Marshal(outcome)
	if err == nil {
		err = c.writer.WriteBytes(c.path(artifactOutcome), data)
	}
	if err != nil {
		outcome.Artifacts = outcome.Artifacts[:len(outcome.Artifacts)-1]
		outcome.ArtifactErrors = append(outcome.ArtifactErrors, fmt.Sprintf("%s: %v", artifactOutcome, err))
		return
	}

	if !bundle {
		return
	}
	tarPath := c.dir + ".tar"
	if err := writeBundle(c.dir, tarPath); err != nil {
		outcome.ArtifactErrors = append(outcome.ArtifactErrors, fmt.Sprintf("%s: %v", artifactBundle, err))
		return
	}
	outcome.Artifacts = append(outcome.Artifacts, Artifact{Name: artifactBundle, Path: tarPath})
}

func writeBundle(dir, dest string) error {
	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", dir, err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return f.Close()
}

func trafficOf(m *mock.Server) mockTraffic {
	t := mockTraffic{
		Matched:          recordRequests(m.ReceivedRequests()),
		Unmatched:        recordRequests(m.UnmatchedRequests()),
		PendingEndpoints: []string{},
	}
	for _, e := range m.PendingEndpoints() {
		t.PendingEndpoints = append(t.PendingEndpoints, e.String())
	}
	return t
}

func recordRequests(in []mock.Request) []recordedRequest {
	out := make([]recordedRequest, 0, len(in))
	for _, r := range in {
		rec := recordedRequest{
			Method:     r.Method,
			Header:     r.Header,
			Body:       string(r.Body),
			ReceivedAt: r.ReceivedAt,
		}
		if r.URL != nil {
			rec.URL = r.URL.String()
		}
		out = append(out, rec)
	}
	return out
}

func slug(title string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}

	s := strings.TrimSuffix(sb.String(), "-")
	if len(s) > maxSlugLength {
		s = strings.TrimSuffix(s[:maxSlugLength], "-")
	}
	if s == "" {
		return "scenario"
	}
	return s
}
