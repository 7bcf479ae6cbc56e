package harness

import (
	"time"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type (
	// Artifact is one captured diagnostic file.
	Artifact struct {
		Name string `yaml:"name"`
		Path string `yaml:"path"`
	}

	// Outcome is the terminal record of one invocation. It is written as outcome.yaml next to the
	// captured artifacts when the invocation fails.
	Outcome struct {
		Title          string       `yaml:"title"`
		RunID          string       `yaml:"run-id"`
		Status         Status       `yaml:"status"`
		Kind           Kind         `yaml:"kind,omitempty"`
		Error          string       `yaml:"error,omitempty"`
		TeardownErrors []string     `yaml:"teardown-errors,omitempty"`
		Artifacts      []Artifact   `yaml:"artifacts,omitempty"`
		ArtifactErrors []string     `yaml:"artifact-errors,omitempty"`
		StartedAt      time.Time    `yaml:"started-at"`
		FinishedAt     time.Time    `yaml:"finished-at"`
		Transitions    []Transition `yaml:"transitions"`
	}
)

func (o Outcome) Failed() bool {
	return o.Status == StatusFailed
}

func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
